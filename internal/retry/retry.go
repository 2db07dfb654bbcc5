// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/mbd888/nirbhaya/internal/clock"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked as not retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Policy describes how many times to try and how long to wait between tries.
// Retries is the number of additional attempts after the first one.
type Policy struct {
	Retries   int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Clock     clock.Clock
}

// Attempts returns the total number of calls the policy allows.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

func (p Policy) clk() clock.Clock {
	if p.Clock == nil {
		return clock.Real()
	}
	return p.Clock
}

// backoff returns the sleep before retry n (0-based): BaseDelay doubled n
// times, capped at MaxDelay, with +-25% jitter.
func (p Policy) backoff(n int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Do calls fn until it succeeds, returns a *PermanentError, the policy is
// exhausted or ctx is done. fn receives the 0-based attempt number.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	return DoWithUnlock(ctx, p, func() {}, func() {}, fn)
}

// DoWithUnlock is like Do but calls unlock before each backoff sleep and
// relock after it, so a held shard lock is not kept across the wait. fn is
// always called with the lock held.
func DoWithUnlock(ctx context.Context, p Policy, unlock, relock func(), fn func(attempt int) error) error {
	attempts := p.Attempts()
	var err error

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		unlock()
		select {
		case <-ctx.Done():
			relock()
			return ctx.Err()
		case <-p.clk().After(p.backoff(attempt)):
		}
		relock()
	}

	return err
}
