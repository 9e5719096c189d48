package faults

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls exponential backoff between attempts.
// Delay for attempt n (0-based) is min(Base * Multiplier^n, Max), with an
// optional ±10% jitter.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	MaxRetries int
	Jitter     bool
}

// DefaultRetryPolicy matches the device-transport defaults: 100ms base,
// doubling, capped at 1s, three retries, jittered.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       100 * time.Millisecond,
		Multiplier: 2,
		Max:        time.Second,
		MaxRetries: 3,
		Jitter:     true,
	}
}

// Delay returns the backoff delay before retry attempt n (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.Max); d > max {
		d = max
	}
	if p.Jitter {
		// ±10%
		d *= 0.9 + rand.Float64()*0.2
	}
	return time.Duration(d)
}

// Retry runs op up to 1+MaxRetries times, sleeping the policy delay between
// attempts. Non-retryable kinds fail immediately with zero retries. On
// exhaustion the returned *Error carries the device id, operation name,
// attempt count, and last underlying error.
func Retry(ctx context.Context, policy RetryPolicy, deviceID, operation string, op func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return New(KindCancelled, deviceID, operation, err)
		}

		err := op(ctx)
		attempts++
		if err == nil {
			return nil
		}
		lastErr = err

		kind := KindOf(err)
		if !kind.Retryable() {
			return &Error{Kind: kind, DeviceID: deviceID, Operation: operation, Attempts: attempts, Err: err}
		}
		if attempt == policy.MaxRetries {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return New(KindCancelled, deviceID, operation, ctx.Err())
		case <-timer.C:
		}
	}

	return &Error{Kind: KindOf(lastErr), DeviceID: deviceID, Operation: operation, Attempts: attempts, Err: lastErr}
}
