package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LookupFunc resolves host to its IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// ResolveError reports an address that never resolved.
type ResolveError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: failed after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver turns "host:port" strings into socket addresses, retrying with a
// random delay between attempts. Peers whose DNS records appear late in
// container environments resolve on a later attempt.
type Resolver struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
	Lookup   LookupFunc
	Logger   hclog.Logger
}

// NewResolver returns a resolver with the default retry bounds.
func NewResolver(logger hclog.Logger) *Resolver {
	return &Resolver{
		Attempts: 10,
		MinDelay: 500 * time.Millisecond,
		MaxDelay: 800 * time.Millisecond,
		Logger:   logger,
	}
}

// Resolve returns the first address addr resolves to.
func (r *Resolver) Resolve(ctx context.Context, addr string) (*net.TCPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &ResolveError{Addr: addr, Attempts: 0, Err: err}
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, &ResolveError{Addr: addr, Attempts: 0, Err: err}
	}

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	lookup := r.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	logger := r.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ips, err := lookup(ctx, host)
		switch {
		case err != nil:
			lastErr = err
		case len(ips) == 0:
			lastErr = fmt.Errorf("no addresses for %q", host)
		default:
			return &net.TCPAddr{IP: ips[0].IP, Port: port, Zone: ips[0].Zone}, nil
		}
		logger.Warn("address resolution failed", "addr", addr, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &ResolveError{Addr: addr, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(r.delay()):
		}
	}
	return nil, &ResolveError{Addr: addr, Attempts: attempts, Err: lastErr}
}

func (r *Resolver) delay() time.Duration {
	span := r.MaxDelay - r.MinDelay
	if span <= 0 {
		return r.MinDelay
	}
	return r.MinDelay + time.Duration(rand.Int63n(int64(span)))
}
