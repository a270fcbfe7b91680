// Package retry wraps operations with bounded retries and linear or
// exponential backoff. Only errors classified as transient are retried.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	Linear      Strategy = "LINEAR"
	Exponential Strategy = "EXPONENTIAL"
)

// DefaultMaxDelay caps any computed delay.
const DefaultMaxDelay = 60 * time.Second

// Policy configures one retry envelope.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Strategy       Strategy
	JitterFraction float64
	// MaxDelay caps the delay including jitter. Zero means DefaultMaxDelay.
	MaxDelay time.Duration

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
	// rand returns a float in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

// External is the policy for calls to remote generation services.
func External() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Strategy: Exponential, JitterFraction: 0.1, MaxDelay: DefaultMaxDelay}
}

// Model is the policy for LLM calls.
func Model() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 5 * time.Second, Strategy: Linear, JitterFraction: 0.1, MaxDelay: DefaultMaxDelay}
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Delay returns the backoff before the next attempt once failures attempts
// have failed, without jitter and before the cap.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	switch p.Strategy {
	case Linear:
		return p.BaseDelay * time.Duration(failures)
	default:
		d := p.BaseDelay
		for i := 1; i < failures; i++ {
			d *= 2
			if d >= p.maxDelay() {
				return p.maxDelay()
			}
		}
		return d
	}
}

// wait computes the jittered, capped delay.
func (p Policy) wait(failures int) time.Duration {
	d := p.Delay(failures)
	if p.JitterFraction > 0 && d > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		d += time.Duration(r() * float64(d) * p.JitterFraction)
	}
	if ceiling := p.maxDelay(); d > ceiling {
		d = ceiling
	}
	return d
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return DefaultMaxDelay
}

// Do runs op until it succeeds, returns a permanent error, or attempts run out.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		d := p.wait(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, d)
		}
		if err := sleep(ctx, d); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
