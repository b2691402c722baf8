package notification

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds transport retries within one delivery attempt.
type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig retries twice, starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, Delay: time.Second, MaxDelay: 5 * time.Second}
}

// SendWithRetry runs sendFunc until it succeeds, returns a non-retryable
// error, the retries are used up, or ctx is done.
func SendWithRetry(ctx context.Context, config RetryConfig, sendFunc func(context.Context) error) error {
	ebo := backoff.NewExponentialBackOff()
	if config.Delay > 0 {
		ebo.InitialInterval = config.Delay
	}
	if config.MaxDelay > 0 {
		ebo.MaxInterval = config.MaxDelay
	}
	ebo.MaxElapsedTime = 0
	ebo.Reset()

	retries := config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		err := sendFunc(ctx)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
