package provider

import (
	"context"
	"time"

	coredomain "github.com/aradsms/sms_dispatch/internal/core_sms/domain"
)

// RetryPolicy retries transient gateway failures with exponential backoff.
// Permanent failures are returned on the first attempt.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable decides whether an error deserves another attempt.
	// Defaults to coredomain.IsRetryable.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = coredomain.IsRetryable
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	backoff := p.InitialBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return err
}
