package service

import (
	"context"
	"errors"
	"time"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/logger"

	"github.com/cenkalti/backoff/v5"
)

type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

func newRetryPolicy(cfg config.BusinessConfig) retryPolicy {
	p := retryPolicy{
		attempts: cfg.StoreRetryAttempts,
		initial:  cfg.StoreRetryInitial,
		max:      cfg.StoreRetryMax,
	}
	if p.attempts < 1 {
		p.attempts = 1
	}
	if p.initial <= 0 {
		p.initial = 50 * time.Millisecond
	}
	if p.max < p.initial {
		p.max = p.initial
	}
	return p
}

// withStoreRetry 只重试 ErrStoreUnavailable，其余错误立即返回
//
// op 必须可以安全重放：所有写路径都带幂等键或以状态为条件
func withStoreRetry[T any](ctx context.Context, p retryPolicy, log *logger.Logger, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initial
	b.MaxInterval = p.max

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		err = classify(err)
		if errors.Is(err, ErrStoreUnavailable) {
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("存储暂不可用，准备重试", "error", err, "backoff", next)
		}),
	)
}
