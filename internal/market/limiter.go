package market

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter 是所有资产共享的外部调用限速器。nil Limiter 不限速。
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter 创建每秒 rps 次、突发 burst 次的限速器。
func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait 阻塞直到允许下一次调用或 ctx 结束。
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("market: 限速等待失败: %w", err)
	}
	return nil
}
