package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrRunLoopReturned is the outcome of a supervised run loop that returned
// without an error. The loop is expected to run for the process lifetime.
var ErrRunLoopReturned = errors.New("cluster run loop returned")

// Outcome describes how a supervised run loop ended.
type Outcome struct {
	Name  string
	Err   error
	Panic interface{}
	Stack []byte
}

// Cause folds the outcome into a single error.
func (o Outcome) Cause() error {
	switch {
	case o.Panic != nil:
		return fmt.Errorf("%s: panic: %v", o.Name, o.Panic)
	case o.Err != nil:
		return fmt.Errorf("%s: %w", o.Name, o.Err)
	default:
		return fmt.Errorf("%s: %w", o.Name, ErrRunLoopReturned)
	}
}

// ExitPolicy decides what happens to the process once a supervised loop
// has ended.
type ExitPolicy interface {
	Exit(o Outcome)
}

// DefaultExitDelay is how long ProcessExit waits for log output when no
// Delay is set.
const DefaultExitDelay = 500 * time.Millisecond

// ProcessExit logs the outcome, waits for log output to flush and
// terminates the process.
type ProcessExit struct {
	Logger hclog.Logger
	Delay  time.Duration
	Code   int

	exit func(int)
}

func (p ProcessExit) Exit(o Outcome) {
	logger := p.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	args := []interface{}{"name", o.Name, "error", o.Cause()}
	if o.Stack != nil {
		args = append(args, "stack", string(o.Stack))
	}
	logger.Error("cluster run loop ended, exiting", args...)

	delay := p.Delay
	if delay <= 0 {
		delay = DefaultExitDelay
	}
	time.Sleep(delay)
	code := p.Code
	if code == 0 {
		code = 1
	}
	exit := p.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(code)
}

// Supervisor runs loops that must never end.
type Supervisor struct {
	Policy ExitPolicy
	Logger hclog.Logger
}

// Supervised is a running loop.
type Supervised struct {
	name string
	done chan Outcome
}

// Done receives the outcome exactly once, before the exit policy runs.
func (s *Supervised) Done() <-chan Outcome { return s.done }

func (s *Supervised) Name() string { return s.name }

// Spawn runs run on its own goroutine pinned to a dedicated OS thread.
// Whatever way run ends is handed to the exit policy.
func (s *Supervisor) Spawn(ctx context.Context, name string, run func(ctx context.Context) error) *Supervised {
	h := &Supervised{name: name, done: make(chan Outcome, 1)}
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	go func() {
		// The thread is discarded together with the goroutine.
		runtime.LockOSThread()

		out := Outcome{Name: name}
		pprof.Do(ctx, pprof.Labels("cluster", name), func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					out.Panic = r
					out.Stack = debug.Stack()
				}
			}()
			logger.Debug("run loop started", "name", name)
			out.Err = run(ctx)
		})

		h.done <- out
		close(h.done)
		if s.Policy != nil {
			s.Policy.Exit(out)
		}
	}()
	return h
}
