package trading

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/broker"
	"trades-engine/internal/journal"
	"trades-engine/internal/metrics"
	"trades-engine/internal/position"
	"trades-engine/internal/risk"
	"trades-engine/internal/signal"
	"trades-engine/internal/statefile"
)

// Config 为 Cycle 的依赖。Gate、Breaker、Portfolio 与 Source 必填。
type Config struct {
	Gate      *risk.Gate
	Breaker   *breaker.Breaker
	Portfolio *Portfolio
	Source    signal.Source
	Recorder  *journal.Recorder
	Metrics   *metrics.Metrics
	StateDir  string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Cycle 执行单个资产的一轮交易流程：推进已有仓位、处理收缩信号、
// 经熔断器与风控闸门后开仓，并在每笔成交后更新两者与持久化状态。
// 不同资产的 Run 可以并发执行，同一资产必须串行。
type Cycle struct {
	gate      *risk.Gate
	breaker   *breaker.Breaker
	portfolio *Portfolio
	source    signal.Source
	recorder  *journal.Recorder
	metrics   *metrics.Metrics
	stateDir  string
	logger    *zap.Logger
	now       func() time.Time
}

// Report 汇总一轮执行的结果。
type Report struct {
	Asset      string
	Signal     *signal.Signal
	Opened     bool
	Skipped    string
	Executions []broker.ExecutionResult
	Changes    []position.Change
	Legs       []position.Leg
}

// NewCycle 创建 Cycle。
func NewCycle(cfg Config) (*Cycle, error) {
	if cfg.Gate == nil || cfg.Breaker == nil || cfg.Portfolio == nil || cfg.Source == nil {
		return nil, errors.New("trading: gate、breaker、portfolio 与 source 不能为空")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cycle{
		gate:      cfg.Gate,
		breaker:   cfg.Breaker,
		portfolio: cfg.Portfolio,
		source:    cfg.Source,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		stateDir:  cfg.StateDir,
		logger:    logger,
		now:       now,
	}, nil
}

// adopter 由需要接管恢复仓位的 broker 实现（模拟账本）。
type adopter interface {
	Adopt(legs []position.Leg)
}

// LoadState 从状态目录恢复每个资产的持仓腿与交易时间。
func (c *Cycle) LoadState(ctx context.Context) error {
	if c.stateDir == "" {
		return nil
	}
	for _, asset := range c.gate.Symbols() {
		var st risk.AssetState
		ok, err := statefile.Load(ctx, c.statePath(asset), &st)
		if err != nil {
			return fmt.Errorf("trading: 加载 %s 状态失败: %w", asset, err)
		}
		if !ok {
			continue
		}
		if st.Symbol == "" {
			st.Symbol = asset
		}
		if err := c.gate.Restore(st); err != nil {
			return err
		}
		open := position.OpenLegs(st.Legs)
		if b, ok := c.portfolio.Broker(asset); ok {
			if a, ok := b.(adopter); ok {
				a.Adopt(open)
			}
		}
		for _, leg := range open {
			if leg.PositionID == "" {
				c.logger.Warn("恢复的腿缺少仓位 ID，按入场时间分组",
					zap.String("asset", asset),
					zap.String("leg_id", leg.ID),
					zap.String("group", leg.GroupKey()),
				)
			}
		}
		c.logger.Info("恢复资产状态",
			zap.String("asset", asset),
			zap.Int("legs", len(st.Legs)),
			zap.Int("open_positions", position.OpenPositionCount(st.Legs)),
		)
		c.metrics.SetOpenPositions(asset, position.OpenPositionCount(st.Legs))
	}
	c.metrics.SetBreakerTripped(c.breaker.Tripped())
	return nil
}

// Run 用本周期行情执行 asset 的一轮流程。
// 只有违反调用约定时返回 error；被拒绝或失败的交易体现在 Report 与审计事件中。
func (c *Cycle) Run(ctx context.Context, asset string, pc broker.PriceContext) (Report, error) {
	asset = normalize(asset)
	report := Report{Asset: asset}

	b, ok := c.portfolio.Broker(asset)
	if !ok {
		return report, fmt.Errorf("trading: 资产 %s 未配置 broker", asset)
	}
	if pc.Asset == "" {
		pc.Asset = asset
	}
	now := c.now()

	if rolled, err := c.breaker.RolloverIfNeeded(ctx, now); err != nil {
		c.logger.Warn("熔断器日切失败", zap.Error(err))
	} else if rolled {
		c.logger.Info("熔断器进入新交易日", zap.Time("now", now))
	}
	c.portfolio.SetPrice(asset, pc.Price)

	sig, hasSignal := c.nextSignal(ctx, asset, now)
	if hasSignal {
		report.Signal = &sig
	}

	legs := c.gate.Legs(asset)
	upd, err := b.UpdateAndClosePositions(ctx, legs, pc)
	if err != nil {
		return report, fmt.Errorf("trading: %s 更新仓位失败: %w", asset, err)
	}
	legs = upd.Legs
	c.apply(ctx, asset, upd, &report)

	var runErr error
	switch {
	case hasSignal && sig.IsTrim():
		trim, err := b.TrimRunners(ctx, legs, sig, pc)
		if err != nil {
			runErr = fmt.Errorf("trading: %s 收缩 runner 失败: %w", asset, err)
			break
		}
		legs = trim.Legs
		c.apply(ctx, asset, trim, &report)
	case hasSignal && sig.IsEntry():
		legs, runErr = c.open(ctx, asset, b, sig, pc, legs, &report)
	}

	if err := c.gate.SetLegs(asset, legs); err != nil {
		return report, err
	}
	report.Legs = legs
	if err := c.persist(ctx, asset); err != nil {
		c.logger.Error("保存资产状态失败", zap.String("asset", asset), zap.Error(err))
	}
	c.metrics.SetOpenPositions(asset, position.OpenPositionCount(legs))
	return report, runErr
}

func (c *Cycle) nextSignal(ctx context.Context, asset string, now time.Time) (signal.Signal, bool) {
	sig, ok, err := c.source.Next(ctx, asset)
	if err != nil {
		c.logger.Warn("读取信号失败", zap.String("asset", asset), zap.Error(err))
		return signal.Signal{}, false
	}
	if !ok {
		return signal.Signal{}, false
	}
	if sig.Asset == "" {
		sig.Asset = asset
	}
	if err := sig.Validate(); err != nil {
		c.logger.Warn("丢弃无效信号", zap.String("asset", asset), zap.Error(err))
		return signal.Signal{}, false
	}

	ts := sig.Timestamp
	if ts.IsZero() {
		ts = now
	}
	c.gate.MarkSignal(asset, ts)
	c.logger.Debug("收到信号",
		zap.String("asset", asset),
		zap.String("kind", string(sig.Kind)),
		zap.String("price", sig.Price.String()),
		zap.String("atr", sig.ATR.String()),
	)
	return sig, true
}

func (c *Cycle) open(ctx context.Context, asset string, b broker.Broker, sig signal.Signal, pc broker.PriceContext, legs []position.Leg, report *Report) ([]position.Leg, error) {
	now := c.now()

	if d := c.breaker.CanTrade(now); !d.Allowed {
		c.logger.Info("熔断器拒绝开仓", zap.String("asset", asset), zap.String("reason", d.Reason))
		report.Skipped = d.Reason
		return legs, nil
	}
	if d := c.gate.Reserve(asset, now); !d.Allowed() {
		c.logger.Info("风控拒绝开仓",
			zap.String("asset", asset),
			zap.String("reason", d.Reason),
			zap.Duration("remaining", d.Remaining),
		)
		report.Skipped = d.Reason
		return legs, nil
	}

	res, err := b.OpenPosition(ctx, sig, pc)
	if err != nil {
		c.gate.Release(asset)
		return legs, fmt.Errorf("trading: %s 开仓调用不合法: %w", asset, err)
	}
	if !res.OK {
		c.gate.Release(asset)
		c.logger.Warn("开仓未执行",
			zap.String("asset", asset),
			zap.String("reason", res.Reason),
			zap.Error(res.Err),
		)
		report.Skipped = res.Reason
		c.recorder.TradeFailed(ctx, asset, journal.TradeFailedPayload{
			Operation: "open_position",
			Reason:    res.Reason,
			Error:     errString(res.Err),
		})
		c.metrics.TradeFailed(asset, string(broker.SideBuy))
		return legs, nil
	}

	legs = append(legs, res.Legs...)
	if err := c.gate.Commit(asset, legs); err != nil {
		c.gate.Release(asset)
		return legs, err
	}
	report.Opened = true
	report.Executions = append(report.Executions, res.Execution)

	if err := c.gate.RecordTrade(asset, now); err != nil {
		c.logger.Warn("记录风控成交失败", zap.String("asset", asset), zap.Error(err))
	}
	if err := c.breaker.RecordEntry(ctx); err != nil {
		c.logger.Warn("记录熔断器成交失败", zap.Error(err))
	}

	tp := res.Legs[0]
	target := ""
	if tp.TargetPrice != nil {
		target = tp.TargetPrice.String()
	}
	c.recorder.PositionOpened(ctx, asset, journal.PositionOpenedPayload{
		PositionID:      tp.PositionID,
		EntryPrice:      tp.EntryPrice.String(),
		Quantity:        res.Execution.Quantity.String(),
		TargetPrice:     target,
		SettlementAsset: tp.SettlementAsset,
		Signature:       res.Execution.Signature,
	})
	c.metrics.PositionOpened(asset, tp.SettlementAsset)

	c.logger.Info("开仓完成",
		zap.String("asset", asset),
		zap.String("position_id", tp.PositionID),
		zap.String("entry", tp.EntryPrice.String()),
		zap.String("target", target),
	)
	return legs, nil
}

// apply 把一次更新/收缩的执行结果同步到熔断器、审计与指标。
func (c *Cycle) apply(ctx context.Context, asset string, upd broker.UpdateResult, report *Report) {
	kinds := make(map[string]position.LegKind, len(upd.Legs))
	for _, l := range upd.Legs {
		kinds[l.ID] = l.Kind
	}

	for _, exec := range upd.Executions {
		report.Executions = append(report.Executions, exec)
		if exec.Skipped {
			continue
		}
		if !exec.OK {
			c.recorder.TradeFailed(ctx, asset, journal.TradeFailedPayload{
				Operation: "close_leg",
				LegID:     exec.LegID,
				Reason:    exec.Reason,
				Error:     errString(exec.Err),
			})
			c.metrics.TradeFailed(asset, string(broker.SideSell))
			continue
		}

		kind := kinds[exec.LegID]
		p := journal.LegClosedPayload{
			PositionID:  exec.PositionID,
			LegID:       exec.LegID,
			LegKind:     string(kind),
			ClosePrice:  exec.ReferencePrice.String(),
			FillPrice:   exec.FillPrice.String(),
			RealizedPnL: exec.RealizedPnL.String(),
			Reason:      exec.Reason,
			Signature:   exec.Signature,
		}
		if exec.Reason == position.ReasonTrim {
			c.recorder.RunnerTrimmed(ctx, asset, p)
		} else {
			c.recorder.LegClosed(ctx, asset, p)
		}
		c.metrics.LegClosed(asset, string(kind), exec.Reason)

		c.recordClose(ctx, asset, exec)
	}

	for _, ch := range upd.Changes {
		report.Changes = append(report.Changes, ch)
		switch ch.Kind {
		case position.ChangeBreakevenLocked:
			c.recorder.BreakevenLockActivated(ctx, asset, journal.StopPayload{
				PositionID: ch.PositionID,
				LegID:      ch.LegID,
				To:         ch.To.String(),
			})
		case position.ChangeTrailingRaised:
			c.recorder.TrailingStopUpdated(ctx, asset, journal.StopPayload{
				PositionID: ch.PositionID,
				LegID:      ch.LegID,
				From:       ch.From.String(),
				To:         ch.To.String(),
			})
		}
	}
}

func (c *Cycle) recordClose(ctx context.Context, asset string, exec broker.ExecutionResult) {
	value, err := c.portfolio.Value(ctx)
	if err != nil {
		c.logger.Warn("计算组合价值失败，跳过亏损比例检查", zap.Error(err))
	} else {
		f, _ := value.Float64()
		c.metrics.SetPortfolioValue(f)
	}

	tripped, err := c.breaker.RecordTrade(ctx, exec.RealizedPnL, value)
	if err != nil {
		c.logger.Warn("记录熔断器成交失败", zap.String("asset", asset), zap.Error(err))
	}
	if tripped {
		c.metrics.SetBreakerTripped(true)
	}
}

func (c *Cycle) persist(ctx context.Context, asset string) error {
	if c.stateDir == "" {
		return nil
	}
	st, ok := c.gate.Snapshot(asset)
	if !ok {
		return fmt.Errorf("trading: 未知资产 %s", asset)
	}
	return statefile.Save(ctx, c.statePath(asset), st)
}

func (c *Cycle) statePath(asset string) string {
	return filepath.Join(c.stateDir, "positions_"+strings.ToLower(asset)+".json")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
