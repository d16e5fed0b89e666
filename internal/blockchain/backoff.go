package blockchain

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy retries transient failures with exponential backoff.
// Non-transient errors abort immediately; exhaustion becomes
// RetryExhausted and aborts only the current operation.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy matches the monitor's fetch behaviour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Multiplier: 2.0,
	}
}

// Do runs fn until it succeeds, fails non-transiently, or attempts are
// exhausted.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return E(KindTimeout, op, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}

		if i < attempts-1 {
			log.Debug().
				Str("op", op).
				Int("attempt", i+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("transient error, backing off")

			select {
			case <-ctx.Done():
				return E(KindTimeout, op, ctx.Err())
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return E(KindRetryExhausted, op, lastErr)
}
