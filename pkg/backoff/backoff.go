// Package backoff provides retry delay strategies for cluster RPC.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	Delay(retry int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each retry, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter, when set, draws the delay uniformly from [0, computed).
	Jitter bool
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max. Without a Max the
// delay saturates at the largest time.Duration.
func (e *Exponential) Delay(retry int) time.Duration {
	if e.Initial <= 0 {
		return 0
	}
	if retry < 1 {
		retry = 1
	}
	limit := float64(math.MaxInt64)
	if e.Max > 0 {
		limit = float64(e.Max)
	}
	d := float64(e.Initial) * math.Pow(2, float64(retry-1))
	if d > limit {
		d = limit
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec
	}
	// float64(math.MaxInt64) rounds up past the int64 range.
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Parse builds a strategy from its configuration name.
func Parse(name string, interval, maxInterval time.Duration) (Strategy, error) {
	switch name {
	case "", "constant":
		return NewConstant(interval), nil
	case "exponential":
		return NewExponential(interval, maxInterval), nil
	case "exponential_jitter":
		e := NewExponential(interval, maxInterval)
		e.Jitter = true
		return e, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
