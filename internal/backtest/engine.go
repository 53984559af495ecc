package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/broker"
	"trades-engine/internal/exchange"
	"trades-engine/internal/indicator"
	"trades-engine/internal/position"
	"trades-engine/internal/risk"
	"trades-engine/internal/signal"
	"trades-engine/internal/trading"
)

// Result 汇总回测结果。
type Result struct {
	Metrics        Metrics
	EquityCurve    []float64
	ReturnSeries   []float64
	Opened         int
	ClosedLegs     int
	FailedTrades   int
	RealizedPnL    decimal.Decimal
	FinalEquity    float64
	BreakerTripped bool
	Trades         []broker.TradeRecord
}

// Engine 按K线回放交易周期：指标、信号、熔断器、风控闸门与模拟 broker 均与实盘路径相同，
// 时钟取自K线时间。
type Engine struct {
	cfg      Config
	provider CandleProvider
	signals  SignalProvider
	calc     *indicator.Calculator
	queue    *signal.Queue
	broker   *broker.Simulated
	breaker  *breaker.Breaker
	cycle    *trading.Cycle
	logger   *zap.Logger

	now time.Time
}

// NewEngine 构建回测引擎，signals 为 nil 时使用 EMA 交叉。
func NewEngine(cfg Config, provider CandleProvider, signals SignalProvider, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if signals == nil {
		signals = CrossoverSignals
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	e := &Engine{
		cfg:      cfg,
		provider: provider,
		signals:  signals,
		queue:    signal.NewQueue(),
		logger:   logger,
		calc: indicator.NewCalculator(indicator.Params{
			ATRPeriod:  cfg.Strategy.ATRPeriod,
			FastPeriod: cfg.Strategy.EMAFastPeriod,
			SlowPeriod: cfg.Strategy.EMASlowPeriod,
		}),
	}
	clock := func() time.Time { return e.now }

	e.broker = broker.NewSimulated(cfg.Asset, cfg.Strategy, cfg.Broker,
		broker.WithEngine(position.NewEngine(position.WithClock(clock))),
		broker.WithClock(clock),
		broker.WithLogger(logger),
	)
	e.breaker = breaker.New(cfg.Breaker, breaker.WithClock(clock), breaker.WithLogger(logger))

	portfolio := trading.NewPortfolio()
	portfolio.Add(cfg.Asset, e.broker)

	cycle, err := trading.NewCycle(trading.Config{
		Gate:      risk.NewGate(cfg.Risk, []string{cfg.Asset}, logger),
		Breaker:   e.breaker,
		Portfolio: portfolio,
		Source:    e.queue,
		Logger:    logger,
		Now:       clock,
	})
	if err != nil {
		return nil, err
	}
	e.cycle = cycle
	return e, nil
}

// Run 执行完整回测流程。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var (
		window []exchange.Candle
		curve  *equityCurve
		result Result
		wins   int
	)
	initial := e.cfg.Broker.InitialQuoteBalance.InexactFloat64()

	for {
		candle, ok, err := e.provider.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		e.now = candle.Timestamp.UTC()
		if curve == nil {
			curve = newEquityCurve(initial, e.now)
		}

		window = append(window, candle)
		if len(window) > e.cfg.Lookback {
			window = window[len(window)-e.cfg.Lookback:]
		}

		res, err := e.calc.Compute(e.cfg.Asset, window)
		if err != nil {
			if errors.Is(err, indicator.ErrInsufficientData) {
				continue
			}
			e.logger.Warn("计算指标失败", zap.Time("candle", e.now), zap.Error(err))
			continue
		}
		if sig, ok := e.signals.Signal(e.cfg.Asset, res); ok {
			e.queue.Push(sig)
		}

		pc := res.PriceContext(e.cfg.Asset)
		report, err := e.cycle.Run(ctx, e.cfg.Asset, pc)
		if err != nil {
			return Result{}, fmt.Errorf("backtest: %s 周期失败: %w", e.now.Format(time.RFC3339), err)
		}
		if report.Opened {
			result.Opened++
		}
		for _, exec := range report.Executions {
			if exec.Side != broker.SideSell {
				continue
			}
			if !exec.OK {
				result.FailedTrades++
				continue
			}
			if exec.Skipped {
				continue
			}
			result.ClosedLegs++
			if exec.RealizedPnL.IsPositive() {
				wins++
			}
		}

		value, err := e.broker.PortfolioValue(ctx, pc.Price)
		if err != nil {
			return Result{}, err
		}
		curve.Record(e.now, value.InexactFloat64())
	}

	if curve == nil {
		return Result{}, errors.New("backtest: 没有K线数据")
	}

	summary, err := e.broker.Summary(ctx, decimal.Zero)
	if err != nil {
		return Result{}, err
	}
	result.Metrics = calculateMetrics(curve.Equity(), curve.Returns(), e.cfg.PeriodsPerYear)
	result.Metrics.WinRate = winRate(wins, result.ClosedLegs)
	result.EquityCurve = curve.Equity()
	result.ReturnSeries = curve.Returns()
	result.RealizedPnL = summary.RealizedPnL
	result.FinalEquity = curve.Last()
	result.BreakerTripped = e.breaker.Tripped()
	result.Trades = e.broker.Trades()
	return result, nil
}
