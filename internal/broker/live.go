package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/config"
	"trades-engine/internal/market"
	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

// Venue 为实盘执行需要的市场能力。
type Venue interface {
	Quote(ctx context.Context, req market.QuoteRequest) (market.Quote, error)
	BuildSwap(ctx context.Context, quote market.Quote, owner string) (market.UnsignedTx, error)
	Submit(ctx context.Context, tx market.SignedTx) (string, error)
	Confirm(ctx context.Context, signature string) (market.Confirmation, error)
	Balance(ctx context.Context, owner, asset string) (uint64, error)
}

// Decimals 负责数量与最小单位换算，由 market.Decimals 实现。
type Decimals interface {
	ToAtomic(ctx context.Context, asset string, amount decimal.Decimal) (uint64, error)
	FromAtomic(ctx context.Context, asset string, amount uint64) (decimal.Decimal, error)
}

// TxSigner 为交易签名，由 crypto.Signer 实现。
type TxSigner interface {
	Address() string
	SignTx(tx market.UnsignedTx) (market.SignedTx, error)
}

// Live 通过聚合器在真实市场上兑换。
// 开仓优先使用主结算资产，报价不可用或价格冲击过大时退回备用结算资产；
// 实际使用的结算资产写入两条腿，平仓时原样复用。
type Live struct {
	asset    config.AssetConfig
	strategy config.StrategyConfig
	cfg      config.BrokerConfig
	venue    Venue
	decimals Decimals
	signer   TxSigner
	retry    retrier
	opts     options
}

// NewLive 创建实盘 broker。
func NewLive(asset config.AssetConfig, strategy config.StrategyConfig, cfg config.BrokerConfig, venue Venue, decimals Decimals, signer TxSigner, opts ...Option) *Live {
	o := buildOptions(opts)
	return &Live{
		asset:    asset,
		strategy: strategy,
		cfg:      cfg,
		venue:    venue,
		decimals: decimals,
		signer:   signer,
		retry:    retrier{cfg: cfg.Retry, sleep: o.sleep, logger: o.logger},
		opts:     o,
	}
}

// Mode 实现 Broker。
func (l *Live) Mode() string {
	return config.BrokerModeLive
}

// swapOutcome 为一次完整兑换的结果。
type swapOutcome struct {
	quote     market.Quote
	outAmount uint64
	signature string
	attempts  int
}

// OpenPosition 执行开仓协议，任何一步失败都不会产生腿。
func (l *Live) OpenPosition(ctx context.Context, sig signal.Signal, pc PriceContext) (OpenResult, error) {
	if !sig.IsEntry() {
		return OpenResult{}, &position.ContractViolation{Op: "open_position", Err: position.ErrNotEntrySignal}
	}
	if pc.Price.IsPositive() && !breaker.ValidatePrice(sig.Price, pc.Price, l.cfg.MaxPriceDeviationPercent) {
		return rejectOpen(fmt.Sprintf("信号价格 %s 偏离市价 %s", sig.Price, pc.Price), ErrPriceDeviation), nil
	}

	owner := l.signer.Address()
	spend := l.strategy.UnitAmount.Mul(decimal.NewFromInt(2))
	required := spend.Add(l.cfg.ReserveAmount)

	balAtomic, err := l.venue.Balance(ctx, owner, l.cfg.QuoteAsset)
	if err != nil {
		return rejectOpen("查询报价资产余额失败", err), nil
	}
	balance, err := l.decimals.FromAtomic(ctx, l.cfg.QuoteAsset, balAtomic)
	if err != nil {
		return rejectOpen("换算报价资产余额失败", err), nil
	}
	if balance.LessThan(required) {
		return rejectOpen(fmt.Sprintf("报价资产余额 %s 小于所需 %s", balance, required), ErrInsufficientBalance), nil
	}

	amount, err := l.decimals.ToAtomic(ctx, l.cfg.QuoteAsset, spend)
	if err != nil {
		return rejectOpen("换算下单数量失败", err), nil
	}

	quote, settlement, reason, err := l.entryQuote(ctx, amount)
	if err != nil {
		return rejectOpen(reason, err), nil
	}

	outcome, reason, err := l.swap(ctx, "open", quote)
	if err != nil {
		return rejectOpen(reason, err), nil
	}

	received, err := l.decimals.FromAtomic(ctx, settlement, outcome.outAmount)
	if err != nil || !received.IsPositive() {
		if err == nil {
			err = market.ErrInvalidQuote
		}
		l.opts.logger.Error("开仓已成交但无法换算成交数量，需人工核对",
			zap.String("asset", l.asset.Symbol),
			zap.String("signature", outcome.signature),
			zap.Error(err),
		)
		return rejectOpen("成交数量无效", err), nil
	}
	fill := spend.Div(received)

	entry := sig
	entry.Price = fill
	legs, err := l.opts.engine.Open(entry, entryParams(l.strategy, settlement))
	if err != nil {
		return OpenResult{}, err
	}

	l.opts.logger.Info("实盘开仓",
		zap.String("asset", l.asset.Symbol),
		zap.String("settlement", settlement),
		zap.String("signal_price", sig.Price.String()),
		zap.String("fill", fill.String()),
		zap.String("received", received.String()),
		zap.String("signature", outcome.signature),
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
			Quantity:       received,
			QuoteAmount:    spend,
			Signature:      outcome.signature,
			Attempts:       outcome.attempts,
			Timestamp:      l.opts.now(),
		},
	}, nil
}

// entryQuote 依次尝试主/备结算资产，返回可用报价与对应结算资产。
func (l *Live) entryQuote(ctx context.Context, amount uint64) (market.Quote, string, string, error) {
	candidates := []string{l.asset.PrimarySettlement}
	if l.asset.SecondarySettlement != "" && l.asset.SecondarySettlement != l.asset.PrimarySettlement {
		candidates = append(candidates, l.asset.SecondarySettlement)
	}

	var reasons []string
	var lastErr error
	for _, settlement := range candidates {
		q, err := l.venue.Quote(ctx, market.QuoteRequest{
			InputAsset:  l.cfg.QuoteAsset,
			OutputAsset: settlement,
			Amount:      amount,
			SlippageBps: l.cfg.SlippageBps,
		})
		if err != nil {
			l.opts.logger.Warn("结算资产报价不可用",
				zap.String("asset", l.asset.Symbol),
				zap.String("settlement", settlement),
				zap.Error(err),
			)
			reasons = append(reasons, fmt.Sprintf("%s: 报价失败", settlement))
			lastErr = err
			continue
		}
		if q.PriceImpactPercent.GreaterThan(l.cfg.MaxPriceImpactPercent) {
			l.opts.logger.Warn("结算资产价格冲击过大",
				zap.String("asset", l.asset.Symbol),
				zap.String("settlement", settlement),
				zap.String("impact", q.PriceImpactPercent.String()),
			)
			reasons = append(reasons, fmt.Sprintf("%s: 价格冲击 %s%%", settlement, q.PriceImpactPercent))
			lastErr = ErrPriceImpactTooHigh
			continue
		}
		return q, settlement, "", nil
	}

	err := ErrQuoteUnavailable
	if errors.Is(lastErr, ErrPriceImpactTooHigh) {
		err = ErrPriceImpactTooHigh
	}
	return market.Quote{}, "", "无可用结算资产报价 (" + strings.Join(reasons, "; ") + ")", err
}

// swap 重新报价并校验劣化后，构建、签名、提交并确认交易。
// 只有签名/提交/确认会重试。
func (l *Live) swap(ctx context.Context, operation string, accepted market.Quote) (swapOutcome, string, error) {
	req := market.QuoteRequest{
		InputAsset:  accepted.InputAsset,
		OutputAsset: accepted.OutputAsset,
		Amount:      accepted.InAmount,
		SlippageBps: l.cfg.SlippageBps,
	}
	fresh, err := l.venue.Quote(ctx, req)
	if err != nil {
		return swapOutcome{}, "重新报价失败", fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	degradation, err := market.Degradation(accepted.OutAmount, fresh.OutAmount)
	if err != nil {
		return swapOutcome{}, "原报价无效", err
	}
	if degradation.GreaterThan(l.cfg.MaxQuoteDegradationPercent) {
		return swapOutcome{}, fmt.Sprintf("报价劣化 %s%% 超过容忍度 %s%%", degradation.StringFixed(4), l.cfg.MaxQuoteDegradationPercent), ErrQuoteDegraded
	}

	owner := l.signer.Address()
	unsigned, err := l.venue.BuildSwap(ctx, fresh, owner)
	if err != nil {
		return swapOutcome{}, "构建交易失败", err
	}

	before, balErr := l.venue.Balance(ctx, owner, fresh.OutputAsset)
	if balErr != nil {
		l.opts.logger.Warn("查询兑换前输出资产余额失败",
			zap.String("output", fresh.OutputAsset),
			zap.Error(balErr),
		)
	}

	var conf market.Confirmation
	var signature string
	attempts, err := l.retry.do(ctx, operation, func(ctx context.Context, _ int) error {
		signed, err := l.signer.SignTx(unsigned)
		if err != nil {
			return err
		}
		sigID, err := l.venue.Submit(ctx, signed)
		if err != nil {
			return err
		}
		c, err := l.awaitConfirmation(ctx, sigID)
		if err != nil {
			return err
		}
		conf = c
		signature = sigID
		return nil
	})
	if err != nil {
		return swapOutcome{attempts: attempts}, fmt.Sprintf("交易 %d 次尝试后失败", attempts), fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	out := conf.OutAmount
	if out == 0 {
		out, err = l.measureOutput(ctx, owner, fresh.OutputAsset, before, balErr)
		if err != nil {
			l.opts.logger.Error("交易已确认但无法核对实际输出数量，需人工核对",
				zap.String("signature", signature),
				zap.String("output", fresh.OutputAsset),
				zap.Error(err),
			)
			return swapOutcome{signature: signature, attempts: attempts}, "无法核对实际成交数量", err
		}
	}
	return swapOutcome{quote: fresh, outAmount: out, signature: signature, attempts: attempts}, "", nil
}

// awaitConfirmation 轮询确认状态直到上链、明确失败或超过 confirm_timeout。
// 查询本身出错视为状态未知，继续轮询；只有明确失败或超时才交给重试重新提交。
func (l *Live) awaitConfirmation(ctx context.Context, signature string) (market.Confirmation, error) {
	interval := l.cfg.ConfirmPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	timeout := l.cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	polls := int((timeout + interval - 1) / interval)

	var lastErr error
	for poll := 1; poll <= polls; poll++ {
		c, err := l.venue.Confirm(ctx, signature)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return market.Confirmation{}, ctxErr
			}
			lastErr = err
			l.opts.logger.Debug("查询交易确认失败，继续轮询",
				zap.String("signature", signature),
				zap.Int("poll", poll),
				zap.Error(err),
			)
		case c.Err != "":
			return market.Confirmation{}, fmt.Errorf("%w: %s %s", market.ErrNotConfirmed, signature, c.Err)
		case c.Confirmed:
			return c, nil
		}
		if poll == polls {
			break
		}
		if err := l.opts.sleep(ctx, interval); err != nil {
			return market.Confirmation{}, err
		}
	}

	if lastErr != nil {
		return market.Confirmation{}, fmt.Errorf("%w: %s 在 %s 内未确认: %v", market.ErrNotConfirmed, signature, timeout, lastErr)
	}
	return market.Confirmation{}, fmt.Errorf("%w: %s 在 %s 内未确认", market.ErrNotConfirmed, signature, timeout)
}

// measureOutput 用兑换前后的输出资产余额差作为实际成交数量。
func (l *Live) measureOutput(ctx context.Context, owner, asset string, before uint64, beforeErr error) (uint64, error) {
	if beforeErr != nil {
		return 0, fmt.Errorf("%w: 缺少兑换前余额: %v", ErrFillUnknown, beforeErr)
	}
	after, err := l.venue.Balance(ctx, owner, asset)
	if err != nil {
		return 0, fmt.Errorf("%w: 查询兑换后余额失败: %v", ErrFillUnknown, err)
	}
	if after <= before {
		return 0, fmt.Errorf("%w: 余额未增加 (%d -> %d)", ErrFillUnknown, before, after)
	}
	return after - before, nil
}

// CloseLeg 以当前价格平掉单条腿。
func (l *Live) CloseLeg(ctx context.Context, leg position.Leg, pc PriceContext, reason string) (position.Leg, ExecutionResult, error) {
	out, exec := closeOne(ctx, l.opts, leg, pc, reason, l.settle)
	return out, exec, nil
}

// UpdateAndClosePositions 推进所有腿并执行本次触发的平仓。
func (l *Live) UpdateAndClosePositions(ctx context.Context, legs []position.Leg, pc PriceContext) (UpdateResult, error) {
	return updateAndClose(ctx, l.opts, trailParams(l.strategy), legs, pc, l.settle), nil
}

// TrimRunners 在 SHORT 信号下平掉 runner 腿。
func (l *Live) TrimRunners(ctx context.Context, legs []position.Leg, sig signal.Signal, pc PriceContext) (UpdateResult, error) {
	return trimRunners(ctx, l.opts, legs, sig, pc, l.settle), nil
}

// settle 用腿上记录的结算资产查询余额与报价并卖出为报价资产。
func (l *Live) settle(ctx context.Context, leg position.Leg, _ PriceContext) ExecutionResult {
	res := ExecutionResult{
		LegID:      leg.ID,
		PositionID: leg.PositionID,
		Side:       SideSell,
		Quantity:   leg.Quantity,
	}
	if leg.ClosePrice != nil {
		res.ReferencePrice = *leg.ClosePrice
	}
	fail := func(reason string, err error) ExecutionResult {
		res.Reason = reason
		res.Err = err
		res.Timestamp = l.opts.now()
		return res
	}

	settlement := leg.SettlementAsset
	if settlement == "" {
		settlement = l.asset.PrimarySettlement
		l.opts.logger.Warn("腿缺少结算资产，使用主结算资产",
			zap.String("leg_id", leg.ID),
			zap.String("settlement", settlement),
		)
	}

	amount, err := l.decimals.ToAtomic(ctx, settlement, leg.Quantity)
	if err != nil {
		return fail("换算平仓数量失败", err)
	}
	balance, err := l.venue.Balance(ctx, l.signer.Address(), settlement)
	if err != nil {
		return fail("查询结算资产余额失败", err)
	}
	if balance < amount {
		return fail(fmt.Sprintf("结算资产 %s 余额 %d 小于 %d", settlement, balance, amount), ErrInsufficientBalance)
	}

	q, err := l.venue.Quote(ctx, market.QuoteRequest{
		InputAsset:  settlement,
		OutputAsset: l.cfg.QuoteAsset,
		Amount:      amount,
		SlippageBps: l.cfg.SlippageBps,
	})
	if err != nil {
		return fail("平仓报价失败", fmt.Errorf("%w: %v", ErrQuoteUnavailable, err))
	}
	if q.PriceImpactPercent.GreaterThan(l.cfg.MaxPriceImpactPercent) {
		return fail(fmt.Sprintf("平仓价格冲击 %s%% 过大", q.PriceImpactPercent), ErrPriceImpactTooHigh)
	}

	outcome, reason, err := l.swap(ctx, "close", q)
	res.Attempts = outcome.attempts
	if err != nil {
		return fail(reason, err)
	}

	proceeds, err := l.decimals.FromAtomic(ctx, l.cfg.QuoteAsset, outcome.outAmount)
	if err != nil {
		return fail("换算成交金额失败", err)
	}

	res.OK = true
	res.Reason = leg.CloseReason
	res.QuoteAmount = proceeds
	res.FillPrice = proceeds.Div(leg.Quantity)
	res.RealizedPnL = proceeds.Sub(leg.Quantity.Mul(leg.EntryPrice))
	res.Signature = outcome.signature
	res.Timestamp = l.opts.now()

	l.opts.logger.Info("实盘平仓",
		zap.String("asset", l.asset.Symbol),
		zap.String("leg_id", leg.ID),
		zap.String("reason", leg.CloseReason),
		zap.String("fill", res.FillPrice.String()),
		zap.String("pnl", res.RealizedPnL.StringFixed(6)),
		zap.String("signature", outcome.signature),
	)
	return res
}

// PortfolioValue 返回报价资产余额与主/备结算资产按 price 估值之和。
func (l *Live) PortfolioValue(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error) {
	s, err := l.Summary(ctx, price)
	if err != nil {
		return decimal.Zero, err
	}
	return s.PortfolioValue, nil
}

// Summary 查询链上余额汇总。
func (l *Live) Summary(ctx context.Context, price decimal.Decimal) (Summary, error) {
	owner := l.signer.Address()
	quoteAtomic, err := l.venue.Balance(ctx, owner, l.cfg.QuoteAsset)
	if err != nil {
		return Summary{}, fmt.Errorf("broker: 查询报价余额失败: %w", err)
	}
	quoteBal, err := l.decimals.FromAtomic(ctx, l.cfg.QuoteAsset, quoteAtomic)
	if err != nil {
		return Summary{}, err
	}

	base := decimal.Zero
	for _, settlement := range []string{l.asset.PrimarySettlement, l.asset.SecondarySettlement} {
		if settlement == "" {
			continue
		}
		atomic, err := l.venue.Balance(ctx, owner, settlement)
		if err != nil {
			return Summary{}, fmt.Errorf("broker: 查询 %s 余额失败: %w", settlement, err)
		}
		amt, err := l.decimals.FromAtomic(ctx, settlement, atomic)
		if err != nil {
			return Summary{}, err
		}
		base = base.Add(amt)
	}

	return Summary{
		Mode:           l.Mode(),
		Asset:          l.asset.Symbol,
		QuoteBalance:   quoteBal,
		BaseBalance:    base,
		PortfolioValue: quoteBal.Add(base.Mul(price)),
	}, nil
}
