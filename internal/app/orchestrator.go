package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-engine/internal/breaker"
	"trades-engine/internal/broker"
	"trades-engine/internal/config"
	"trades-engine/internal/crypto"
	"trades-engine/internal/exchange"
	"trades-engine/internal/indicator"
	"trades-engine/internal/journal"
	"trades-engine/internal/market"
	"trades-engine/internal/metrics"
	"trades-engine/internal/risk"
	"trades-engine/internal/signal"
	"trades-engine/internal/store"
	"trades-engine/internal/trading"
)

// snapshotSource 由 exchange.MarketDataService 实现。
type snapshotSource interface {
	GetSnapshots(ctx context.Context, assets []config.AssetConfig) (map[string]exchange.MarketSnapshot, map[string]error)
}

type orchestrator struct {
	assets    []config.AssetConfig
	market    snapshotSource
	calc      *indicator.Calculator
	cycle     *trading.Cycle
	portfolio *trading.Portfolio
	gate      *risk.Gate
	breaker   *breaker.Breaker
	journal   *journal.Service
	metrics   *metrics.Metrics
	feed      *signal.Queue
	logger    *zap.Logger
	closers   []func() error

	mu        sync.Mutex
	lastCross map[string]time.Time
}

func newOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	assets := cfg.EnabledAssets()
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}

	journalSvc, err := journal.NewService(ctx, st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化审计服务失败: %w", err)
	}
	recorder := journal.NewRecorder(journalSvc, logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	cb := breaker.New(cfg.Breaker,
		breaker.WithStatePath(filepath.Join(cfg.State.Dir, "breaker.json")),
		breaker.WithRecorder(recorder),
		breaker.WithLogger(logger.Named("breaker")),
	)
	if err := cb.Load(ctx); err != nil {
		return nil, err
	}

	gate := risk.NewGate(cfg.Risk, symbols, logger.Named("risk"))

	deps, err := brokerDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	portfolio := trading.NewPortfolio()
	for _, a := range assets {
		d := deps
		d.Options = append([]broker.Option{broker.WithLogger(logger.With(zap.String("asset", a.Symbol)))}, deps.Options...)
		b, err := broker.New(a, cfg.Strategy, cfg.Broker, d)
		if err != nil {
			return nil, fmt.Errorf("初始化 %s broker 失败: %w", a.Symbol, err)
		}
		portfolio.Add(a.Symbol, b)
	}

	o := &orchestrator{
		assets:    assets,
		portfolio: portfolio,
		gate:      gate,
		breaker:   cb,
		journal:   journalSvc,
		metrics:   m,
		logger:    logger,
		lastCross: make(map[string]time.Time),
		calc: indicator.NewCalculator(indicator.Params{
			ATRPeriod:  cfg.Strategy.ATRPeriod,
			FastPeriod: cfg.Strategy.EMAFastPeriod,
			SlowPeriod: cfg.Strategy.EMASlowPeriod,
		}),
	}

	source, err := o.signalSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	exClient, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}
	o.market = exchange.NewMarketDataService(exClient, cfg.Exchange, logger)

	o.cycle, err = trading.NewCycle(trading.Config{
		Gate:      gate,
		Breaker:   cb,
		Portfolio: portfolio,
		Source:    source,
		Recorder:  recorder,
		Metrics:   m,
		StateDir:  cfg.State.Dir,
		Logger:    logger.Named("cycle"),
	})
	if err != nil {
		o.Close()
		return nil, err
	}
	if err := o.cycle.LoadState(ctx); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

func brokerDeps(cfg *config.Config, logger *zap.Logger) (broker.Deps, error) {
	if cfg.Broker.Mode != config.BrokerModeLive {
		return broker.Deps{}, nil
	}
	signer, err := crypto.NewSigner(cfg.Broker.PrivateKey)
	if err != nil {
		return broker.Deps{}, fmt.Errorf("初始化签名器失败: %w", err)
	}
	limiter := market.NewLimiter(cfg.Market.RequestsPerSecond, cfg.Market.Burst)
	venue := market.NewHTTPVenue(cfg.Market.QuoteURL, cfg.Market.RPCURL, cfg.Market.Timeout, limiter, logger.Named("venue"))
	logger.Info("实盘模式已启用", zap.String("owner", signer.Address()))
	return broker.Deps{
		Venue:    venue,
		Decimals: market.NewDecimals(venue, nil),
		Signer:   signer,
	}, nil
}

func (o *orchestrator) signalSource(ctx context.Context, cfg *config.Config) (signal.Source, error) {
	switch cfg.Signals.Source {
	case config.SignalSourceRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		o.closers = append(o.closers, rdb.Close)
		o.logger.Info("信号源: redis", zap.String("addr", cfg.Redis.Addr))
		return signal.NewRedisSource(rdb, cfg.Signals.KeyPrefix, o.logger.Named("signals")), nil
	case config.SignalSourceIndicator:
		o.feed = signal.NewQueue()
		o.logger.Info("信号源: EMA 交叉",
			zap.Int("fast", cfg.Strategy.EMAFastPeriod),
			zap.Int("slow", cfg.Strategy.EMASlowPeriod),
		)
		return o.feed, nil
	default:
		o.logger.Info("信号源: 进程内队列")
		return signal.NewQueue(), nil
	}
}

// Tick 拉取全部资产行情并并发执行各资产的交易周期。单个资产失败不影响其它资产。
func (o *orchestrator) Tick(ctx context.Context) error {
	snapshots, failures := o.market.GetSnapshots(ctx, o.assets)
	for asset, err := range failures {
		o.logger.Error("拉取市场数据失败", zap.String("asset", asset), zap.Error(err))
		o.metrics.CycleError(asset)
	}

	var group errgroup.Group
	for _, asset := range o.assets {
		snap, ok := snapshots[asset.Symbol]
		if !ok {
			continue
		}
		symbol := asset.Symbol
		group.Go(func() error {
			if err := o.runAsset(ctx, symbol, snap); err != nil {
				o.logger.Error("资产周期执行失败", zap.String("asset", symbol), zap.Error(err))
				o.metrics.CycleError(symbol)
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if value, err := o.portfolio.Value(ctx); err != nil {
		o.logger.Warn("计算组合价值失败", zap.Error(err))
	} else {
		o.metrics.SetPortfolioValue(value.InexactFloat64())
	}
	o.metrics.SetBreakerTripped(o.breaker.Tripped())

	if len(o.assets) > 0 && len(failures) == len(o.assets) {
		return errors.New("全部资产行情拉取失败")
	}
	return nil
}

func (o *orchestrator) runAsset(ctx context.Context, asset string, snap exchange.MarketSnapshot) error {
	res, err := o.calc.Compute(asset, snap.Candles)
	if err != nil {
		return err
	}
	pc := res.PriceContext(strings.ToUpper(asset))

	if o.feed != nil {
		if sig, ok := res.Signal(asset); ok && o.markCrossover(asset, res.Timestamp) {
			o.feed.Push(sig)
			o.logger.Info("EMA 交叉生成信号",
				zap.String("asset", asset),
				zap.String("kind", string(sig.Kind)),
				zap.String("price", sig.Price.String()),
			)
		}
	}

	report, err := o.cycle.Run(ctx, asset, pc)
	if err != nil {
		return err
	}
	o.logger.Info("资产周期完成",
		zap.String("asset", asset),
		zap.String("price", pc.Price.StringFixed(4)),
		zap.String("atr", pc.ATR.StringFixed(4)),
		zap.Bool("signal", report.Signal != nil),
		zap.Bool("opened", report.Opened),
		zap.String("skipped", report.Skipped),
		zap.Int("executions", len(report.Executions)),
		zap.Int("legs", len(report.Legs)),
	)
	return nil
}

// markCrossover 记录交叉K线时间，同一根K线只生成一次信号。
func (o *orchestrator) markCrossover(asset string, ts time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := strings.ToUpper(asset)
	if last, ok := o.lastCross[key]; ok && !ts.After(last) {
		return false
	}
	o.lastCross[key] = ts
	return true
}

// Close 释放外部连接。
func (o *orchestrator) Close() {
	var err error
	for _, fn := range o.closers {
		err = multierr.Append(err, fn())
	}
	o.closers = nil
	if err != nil {
		o.logger.Warn("关闭连接失败", zap.Error(err))
	}
}
