package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"trades-engine/internal/app"
	"trades-engine/internal/backtest"
	"trades-engine/internal/config"
	"trades-engine/internal/exchange"
	"trades-engine/internal/log"
	"trades-engine/internal/store"
)

func main() {
	var (
		configPath    string
		backtestAsset string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&backtestAsset, "backtest", "", "对指定资产用最近K线回测后退出")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if backtestAsset != "" {
		if err := runBacktest(ctx, cfg, backtestAsset, logger); err != nil {
			logger.Error("回测失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp := app.New(cfg, logger, sqliteStore)

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

func runBacktest(ctx context.Context, cfg *config.Config, asset string, logger *zap.Logger) error {
	var target *config.AssetConfig
	for _, a := range cfg.Assets {
		if strings.EqualFold(a.Symbol, asset) {
			a := a
			target = &a
			asset = a.Symbol
			break
		}
	}
	if target == nil {
		return fmt.Errorf("未配置资产 %s", asset)
	}

	client, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		return err
	}
	snapshot, err := exchange.NewMarketDataService(client, cfg.Exchange, logger).GetSnapshot(ctx, *target)
	if err != nil {
		return err
	}

	engine, err := backtest.NewEngine(backtest.FromConfig(cfg, asset), backtest.NewSliceCandleProvider(snapshot.Candles), nil, logger.Named("backtest"))
	if err != nil {
		return err
	}
	res, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("回测完成",
		zap.String("asset", asset),
		zap.Int("candles", len(snapshot.Candles)),
		zap.Int("opened", res.Opened),
		zap.Int("closed_legs", res.ClosedLegs),
		zap.Int("failed_trades", res.FailedTrades),
		zap.String("realized_pnl", res.RealizedPnL.StringFixed(4)),
		zap.Float64("final_equity", res.FinalEquity),
		zap.Float64("total_return", res.Metrics.TotalReturn),
		zap.Float64("max_drawdown", res.Metrics.MaxDrawdown),
		zap.Int("max_drawdown_steps", res.Metrics.MaxDrawdownSteps),
		zap.Float64("sharpe", res.Metrics.SharpeRatio),
		zap.Float64("win_rate", res.Metrics.WinRate),
		zap.Bool("breaker_tripped", res.BreakerTripped),
	)
	return nil
}
