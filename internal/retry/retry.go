// Package retry retries operations that fail with transient OS errors.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"syscall"
	"time"
)

// Policy controls the number of attempts and the backoff between them
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the +/- fraction applied to each delay
	Jitter float64
}

// DefaultPolicy suits filesystem operations that may briefly collide with
// virus scanners, indexers or a concurrent rename
var DefaultPolicy = Policy{
	Attempts:     5,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

// Backoff returns the delay after the given (1-based) attempt with
// exponential growth and jitter
func (p Policy) Backoff(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
	}

	return time.Duration(delay)
}

// IsTransient reports whether err is an OS error worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range []syscall.Errno{
		syscall.EBUSY,
		syscall.EAGAIN,
		syscall.EINTR,
		syscall.ETXTBSY,
		syscall.EACCES,
		syscall.EPERM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
