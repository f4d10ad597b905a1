package internal

import (
	"context"
	"time"
)

type BackoffFlags uint8

const (
	BackoffHasPriority BackoffFlags = 1 << iota
	BackoffCriticalPath
)

// NewBackoff returns a Backoff whose maximum wait depends on priority.
// Critical path waits are capped at a millisecond, prioritized waits at half
// a second and the rest at a second.
func NewBackoff(priority BackoffFlags) Backoff {
	if priority&BackoffCriticalPath != 0 {
		return Backoff{
			maxWait: uint32(1 * time.Millisecond),
		}
	}
	return Backoff{
		maxWait: uint32(time.Second) >> (priority & BackoffHasPriority),
	}
}

// A Backoff with a non-zero MaxWait is ready for use.
type Backoff struct {
	// wait defines the amount of time that Miss will wait on next call.
	wait uint32
	// Maximum allowable value for Wait.
	maxWait uint32
	// startWait is the value that Wait takes after a call to Hit.
	startWait uint32
	// expMinusOne is the shift performed on Wait minus one, so the zero value performs a shift of 1.
	expMinusOne uint32
}

// Hit resets the wait to its starting value. Called when there was work to do.
func (eb *Backoff) Hit() {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	eb.wait = eb.startWait
}

// Wait returns the duration the next call to Miss will sleep for.
func (eb *Backoff) Wait() time.Duration { return time.Duration(eb.wait) }

// Miss sleeps for the current wait and increases it exponentially up to the maximum.
// It returns early with the context error if ctx is done before the wait elapses.
func (eb *Backoff) Miss(ctx context.Context) error {
	if eb.maxWait == 0 {
		panic("MaxWait cannot be zero")
	}
	wait := eb.wait
	eb.wait = eb.next(wait)
	if wait == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(wait))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (eb *Backoff) next(wait uint32) uint32 {
	const k = 1
	exp := eb.expMinusOne + 1
	wait |= k
	wait <<= exp
	if wait > eb.maxWait {
		wait = eb.maxWait
	}
	return wait
}
