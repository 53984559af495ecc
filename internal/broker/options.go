package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/position"
)

type options struct {
	engine *position.Engine
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option 配置 broker。
type Option func(*options)

// WithEngine 指定仓位引擎。
func WithEngine(e *position.Engine) Option {
	return func(o *options) {
		if e != nil {
			o.engine = e
		}
	}
}

// WithLogger 指定日志。
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock 替换时钟。
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithSleep 替换重试等待函数，测试中用于跳过退避。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		engine: position.NewEngine(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
