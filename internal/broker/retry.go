package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/config"
)

// retrier 按指数退避重试交易提交链路（签名、提交、确认）。
type retrier struct {
	cfg    config.RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// do 执行 fn 直到成功、达到最大次数或 ctx 结束，返回实际尝试次数。
func (r retrier) do(ctx context.Context, operation string, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	delay := r.cfg.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := r.cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("交易重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return attempt, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return attempt, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		r.logger.Warn("交易提交失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if err := r.sleep(ctx, wait); err != nil {
			return attempt, err
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	r.logger.Error("交易提交重试耗尽",
		zap.String("operation", operation),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	return maxAttempts, lastErr
}
