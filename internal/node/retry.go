package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bigbes/shadowsocks-panel-node/internal/panel"
)

// RetryPolicy bounds how panel fetches are retried on transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts. Zero means unlimited.
	MaxAttempts int
	// InitialInterval is the first backoff delay. Zero disables backoff.
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff delay.
	MaxInterval time.Duration
}

// NoBackoff returns a policy making up to attempts immediate attempts.
func NoBackoff(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.InitialInterval <= 0 {
		b = &backoff.ZeroBackOff{}
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialInterval
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		eb.MaxElapsedTime = 0
		b = eb
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// withRetry calls fn until it succeeds, fails with anything other than a
// transient panel error, or the policy gives up.
func withRetry[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		v, err := fn(ctx)
		if err != nil {
			if panel.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = v
		return nil
	}, p.backOff(ctx), func(err error, next time.Duration) {
		logger.Warn(op+" failed, retrying", "attempt", attempt, "backoff", next, "err", err)
	})
	return out, err
}
