package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds retries of transient remote failures.
type RetryPolicy struct {
	// Retries is the number of additional attempts after the first one.
	Retries         uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:         2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// withRetry runs op under the policy. Malformed responses stop immediately.
func withRetry[T any](ctx context.Context, p RetryPolicy, log *logrus.Entry, name string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if errors.Is(err, ErrMalformedResponse) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.Retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithFields(logrus.Fields{
				"operation": name,
				"retry_in":  next,
			}).Warn("remote call failed, retrying")
		}),
	)
}
