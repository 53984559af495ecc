package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trades-engine/internal/config"
	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

// 校验类失败，放在结果的 Err 中，不会重试。
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPriceImpactTooHigh  = errors.New("price impact too high")
	ErrQuoteDegraded       = errors.New("quote degraded beyond tolerance")
	ErrQuoteUnavailable    = errors.New("no usable quote")
	ErrPriceDeviation      = errors.New("signal price deviates from market")
)

// ErrTransactionFailed 表示签名/提交/确认在重试后仍失败。
var ErrTransactionFailed = errors.New("transaction failed")

// ErrFillUnknown 表示交易已确认，但确认结果与余额变化都无法给出实际输出数量。
var ErrFillUnknown = errors.New("realized fill unknown")

// Side 为成交方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceContext 为本周期的行情输入。
type PriceContext struct {
	Asset     string
	Price     decimal.Decimal
	ATR       decimal.Decimal
	Timestamp time.Time
}

// ExecutionResult 为一次成交（或失败）的结果。
// ReferencePrice 为仓位引擎给出的价格，FillPrice 为实际成交均价。
type ExecutionResult struct {
	LegID          string
	PositionID     string
	Side           Side
	OK             bool
	Skipped        bool
	Reason         string
	Err            error
	ReferencePrice decimal.Decimal
	FillPrice      decimal.Decimal
	Quantity       decimal.Decimal
	QuoteAmount    decimal.Decimal
	RealizedPnL    decimal.Decimal
	Signature      string
	Attempts       int
	Timestamp      time.Time
}

// OpenResult 为开仓结果。OK 为 false 时 Legs 为空且没有任何状态被修改。
type OpenResult struct {
	OK        bool
	Reason    string
	Err       error
	Legs      []position.Leg
	Execution ExecutionResult
}

// UpdateResult 为一轮价格更新或收缩后的结果。
// Executions 只包含本次由 OPEN 变为 CLOSED 的腿。
type UpdateResult struct {
	Legs       []position.Leg
	Executions []ExecutionResult
	Changes    []position.Change
}

// Summary 为账户汇总。
type Summary struct {
	Mode           string          `json:"mode"`
	Asset          string          `json:"asset"`
	QuoteBalance   decimal.Decimal `json:"quote_balance"`
	BaseBalance    decimal.Decimal `json:"base_balance"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Trades         int             `json:"trades"`
}

// Broker 执行仓位引擎的决策。模拟与实盘两种实现在构建时选定。
type Broker interface {
	Mode() string
	OpenPosition(ctx context.Context, sig signal.Signal, pc PriceContext) (OpenResult, error)
	CloseLeg(ctx context.Context, leg position.Leg, pc PriceContext, reason string) (position.Leg, ExecutionResult, error)
	UpdateAndClosePositions(ctx context.Context, legs []position.Leg, pc PriceContext) (UpdateResult, error)
	TrimRunners(ctx context.Context, legs []position.Leg, sig signal.Signal, pc PriceContext) (UpdateResult, error)
	PortfolioValue(ctx context.Context, price decimal.Decimal) (decimal.Decimal, error)
	Summary(ctx context.Context, price decimal.Decimal) (Summary, error)
}

var (
	_ Broker = (*Simulated)(nil)
	_ Broker = (*Live)(nil)
)

// Deps 为 broker 的共享依赖，实盘模式需要 Venue/Decimals/Signer。
type Deps struct {
	Venue    Venue
	Decimals Decimals
	Signer   TxSigner
	Options  []Option
}

// New 按配置的模式创建 broker。
func New(asset config.AssetConfig, strategy config.StrategyConfig, cfg config.BrokerConfig, deps Deps) (Broker, error) {
	switch cfg.Mode {
	case config.BrokerModeSimulated:
		return NewSimulated(asset.Symbol, strategy, cfg, deps.Options...), nil
	case config.BrokerModeLive:
		if deps.Venue == nil || deps.Decimals == nil || deps.Signer == nil {
			return nil, errors.New("broker: live 模式需要 venue、decimals 与 signer")
		}
		return NewLive(asset, strategy, cfg, deps.Venue, deps.Decimals, deps.Signer, deps.Options...), nil
	default:
		return nil, fmt.Errorf("broker: 不支持的模式 %q", cfg.Mode)
	}
}

func rejectOpen(reason string, err error) OpenResult {
	return OpenResult{Reason: reason, Err: err}
}

func entryParams(strategy config.StrategyConfig, settlement string) position.OpenParams {
	return position.OpenParams{
		TPMultiplier:    strategy.TPMultiplier,
		TrailMultiplier: strategy.TrailMultiplier,
		UnitAmount:      strategy.UnitAmount,
		SettlementAsset: settlement,
	}
}

func trailParams(strategy config.StrategyConfig) position.TrailParams {
	return position.TrailParams{
		TrailMultiplier:         strategy.TrailMultiplier,
		BreakevenLockMultiplier: strategy.BreakevenLockMultiplier,
	}
}
