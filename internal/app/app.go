package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/config"
	"trades-engine/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 构建交易流水线并按 scheduler.loop_interval 驱动，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	assets := make([]string, 0, len(a.cfg.Assets))
	for _, asset := range a.cfg.EnabledAssets() {
		assets = append(assets, asset.Symbol)
	}
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker_mode", a.cfg.Broker.Mode),
		zap.String("signal_source", a.cfg.Signals.Source),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Strings("assets", assets),
	)

	orch, err := newOrchestrator(ctx, a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer orch.Close()

	if a.cfg.App.HTTPAddr != "" {
		startMonitorServer(ctx, &monitorServer{
			events:    orch.journal,
			portfolio: orch.portfolio,
			gate:      orch.gate,
			breaker:   orch.breaker,
			metrics:   orch.metrics,
			logger:    a.logger.Named("monitor"),
		}, a.cfg.App.HTTPAddr)
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = time.Minute
	}

	if err = orch.Tick(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}
