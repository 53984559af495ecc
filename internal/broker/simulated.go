package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/config"
	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

// TradeRecord 为模拟账本中的一笔成交，写入后不再修改。
type TradeRecord struct {
	ID             int             `json:"id"`
	LegID          string          `json:"leg_id"`
	PositionID     string          `json:"position_id"`
	Side           Side            `json:"side"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	QuoteAmount    decimal.Decimal `json:"quote_amount"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Reason         string          `json:"reason,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Simulated 在进程内账本上模拟成交。滑点总是对交易者不利。
type Simulated struct {
	mu           sync.Mutex
	asset        string
	strategy     config.StrategyConfig
	slippage     decimal.Decimal
	maxDeviation decimal.Decimal
	quoteBalance decimal.Decimal
	baseBalance  decimal.Decimal
	costBasis    map[string]decimal.Decimal
	trades       []TradeRecord
	realized     decimal.Decimal
	opts         options
}

// NewSimulated 创建模拟 broker，初始报价资产余额来自 broker.initial_quote_balance。
func NewSimulated(asset string, strategy config.StrategyConfig, cfg config.BrokerConfig, opts ...Option) *Simulated {
	o := buildOptions(opts)
	return &Simulated{
		asset:        strings.ToUpper(asset),
		strategy:     strategy,
		slippage:     cfg.Slippage,
		maxDeviation: cfg.MaxPriceDeviationPercent,
		quoteBalance: cfg.InitialQuoteBalance,
		baseBalance:  decimal.Zero,
		costBasis:    make(map[string]decimal.Decimal),
		realized:     decimal.Zero,
		opts:         o,
	}
}

// Mode 实现 Broker。
func (s *Simulated) Mode() string {
	return config.BrokerModeSimulated
}

// Adopt 将从状态文件恢复的未平仓腿计入账本，成本按入场价计算，不扣减报价余额。
func (s *Simulated) Adopt(legs []position.Leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, leg := range legs {
		if !leg.IsOpen() {
			continue
		}
		if _, ok := s.costBasis[leg.ID]; ok {
			continue
		}
		s.baseBalance = s.baseBalance.Add(leg.Quantity)
		s.costBasis[leg.ID] = leg.Quantity.Mul(leg.EntryPrice)
	}
}

// OpenPosition 以信号价格加滑点买入两条腿的数量。
func (s *Simulated) OpenPosition(ctx context.Context, sig signal.Signal, pc PriceContext) (OpenResult, error) {
	if !sig.IsEntry() {
		return OpenResult{}, &position.ContractViolation{Op: "open_position", Err: position.ErrNotEntrySignal}
	}
	if pc.Price.IsPositive() && !breaker.ValidatePrice(sig.Price, pc.Price, s.maxDeviation) {
		return rejectOpen(fmt.Sprintf("信号价格 %s 偏离市价 %s", sig.Price, pc.Price), ErrPriceDeviation), nil
	}

	legs, err := s.opts.engine.Open(sig, entryParams(s.strategy, s.asset))
	if err != nil {
		return OpenResult{}, err
	}

	fill := sig.Price.Mul(decimal.NewFromInt(1).Add(s.slippage))
	totalQty := decimal.Zero
	for _, l := range legs {
		totalQty = totalQty.Add(l.Quantity)
	}
	cost := totalQty.Mul(fill)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cost.GreaterThan(s.quoteBalance) {
		return rejectOpen(fmt.Sprintf("报价余额 %s 不足以支付 %s", s.quoteBalance, cost.StringFixed(6)), ErrInsufficientBalance), nil
	}

	now := s.opts.now()
	s.quoteBalance = s.quoteBalance.Sub(cost)
	s.baseBalance = s.baseBalance.Add(totalQty)
	for _, l := range legs {
		legCost := l.Quantity.Mul(fill)
		s.costBasis[l.ID] = legCost
		s.appendTrade(TradeRecord{
			LegID:          l.ID,
			PositionID:     l.PositionID,
			Side:           SideBuy,
			ReferencePrice: sig.Price,
			FillPrice:      fill,
			Quantity:       l.Quantity,
			QuoteAmount:    legCost,
			RealizedPnL:    decimal.Zero,
			Timestamp:      now,
		})
	}

	s.opts.logger.Info("模拟开仓",
		zap.String("asset", s.asset),
		zap.String("position_id", legs[0].PositionID),
		zap.String("price", sig.Price.String()),
		zap.String("fill", fill.String()),
		zap.String("quantity", totalQty.String()),
	)

	return OpenResult{
		OK:   true,
		Legs: legs,
		Execution: ExecutionResult{
			PositionID:     legs[0].PositionID,
			Side:           SideBuy,
			OK:             true,
			ReferencePrice: sig.Price,
			FillPrice:      fill,
			Quantity:       totalQty,
			QuoteAmount:    cost,
			Attempts:       1,
			Timestamp:      now,
		},
	}, nil
}

// CloseLeg 以当前价格平掉单条腿，已平仓的腿不做任何操作。
func (s *Simulated) CloseLeg(ctx context.Context, leg position.Leg, pc PriceContext, reason string) (position.Leg, ExecutionResult, error) {
	out, exec := closeOne(ctx, s.opts, leg, pc, reason, s.settle)
	return out, exec, nil
}

// UpdateAndClosePositions 推进所有腿并执行本次触发的平仓。
func (s *Simulated) UpdateAndClosePositions(ctx context.Context, legs []position.Leg, pc PriceContext) (UpdateResult, error) {
	return updateAndClose(ctx, s.opts, trailParams(s.strategy), legs, pc, s.settle), nil
}

// TrimRunners 在 SHORT 信号下平掉 runner 腿。
func (s *Simulated) TrimRunners(ctx context.Context, legs []position.Leg, sig signal.Signal, pc PriceContext) (UpdateResult, error) {
	return trimRunners(ctx, s.opts, legs, sig, pc, s.settle), nil
}

// settle 以腿记录的平仓价为基准（而非重新取价）扣除滑点后卖出。
func (s *Simulated) settle(_ context.Context, leg position.Leg, _ PriceContext) ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	res := ExecutionResult{
		LegID:      leg.ID,
		PositionID: leg.PositionID,
		Side:       SideSell,
		Quantity:   leg.Quantity,
		Timestamp:  now,
		Attempts:   1,
	}
	if leg.ClosePrice == nil {
		res.Reason = "腿缺少平仓价"
		res.Err = fmt.Errorf("broker: leg %s: %w", leg.ID, position.ErrInvalidEntry)
		return res
	}
	if s.baseBalance.LessThan(leg.Quantity) {
		res.Reason = fmt.Sprintf("基础资产余额 %s 不足 %s", s.baseBalance, leg.Quantity)
		res.Err = ErrInsufficientBalance
		return res
	}

	ref := *leg.ClosePrice
	fill := ref.Mul(decimal.NewFromInt(1).Sub(s.slippage))
	proceeds := leg.Quantity.Mul(fill)
	basis, ok := s.costBasis[leg.ID]
	if !ok {
		basis = leg.Quantity.Mul(leg.EntryPrice)
	}
	pnl := proceeds.Sub(basis)

	s.baseBalance = s.baseBalance.Sub(leg.Quantity)
	s.quoteBalance = s.quoteBalance.Add(proceeds)
	s.realized = s.realized.Add(pnl)
	delete(s.costBasis, leg.ID)
	s.appendTrade(TradeRecord{
		LegID:          leg.ID,
		PositionID:     leg.PositionID,
		Side:           SideSell,
		ReferencePrice: ref,
		FillPrice:      fill,
		Quantity:       leg.Quantity,
		QuoteAmount:    proceeds,
		RealizedPnL:    pnl,
		Reason:         leg.CloseReason,
		Timestamp:      now,
	})

	s.opts.logger.Info("模拟平仓",
		zap.String("asset", s.asset),
		zap.String("leg_id", leg.ID),
		zap.String("reason", leg.CloseReason),
		zap.String("price", ref.String()),
		zap.String("pnl", pnl.StringFixed(6)),
	)

	res.OK = true
	res.Reason = leg.CloseReason
	res.ReferencePrice = ref
	res.FillPrice = fill
	res.QuoteAmount = proceeds
	res.RealizedPnL = pnl
	return res
}

func (s *Simulated) appendTrade(rec TradeRecord) {
	rec.ID = len(s.trades) + 1
	s.trades = append(s.trades, rec)
}

// Trades 返回成交历史副本。
func (s *Simulated) Trades() []TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TradeRecord(nil), s.trades...)
}

// PortfolioValue 返回报价余额加基础资产按 price 估值。
func (s *Simulated) PortfolioValue(_ context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quoteBalance.Add(s.baseBalance.Mul(price)), nil
}

// Summary 返回账本汇总。
func (s *Simulated) Summary(ctx context.Context, price decimal.Decimal) (Summary, error) {
	value, _ := s.PortfolioValue(ctx, price)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Mode:           s.Mode(),
		Asset:          s.asset,
		QuoteBalance:   s.quoteBalance,
		BaseBalance:    s.baseBalance,
		PortfolioValue: value,
		RealizedPnL:    s.realized,
		Trades:         len(s.trades),
	}, nil
}
