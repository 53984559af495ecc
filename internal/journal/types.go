package journal

import (
	"context"
	"time"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventPositionOpened         EventType = "position_opened"
	EventLegClosed              EventType = "leg_closed"
	EventTrailingStopUpdated    EventType = "trailing_stop_updated"
	EventBreakevenLockActivated EventType = "breakeven_lock_activated"
	EventRunnerTrimmed          EventType = "runner_trimmed"
	EventTradeFailed            EventType = "trade_failed"
	EventBreakerTripped         EventType = "breaker_tripped"
	EventBreakerReset           EventType = "breaker_reset"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Asset     string      `json:"asset,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Journal 接收审计事件。
type Journal interface {
	Record(ctx context.Context, event Event) error
}

// Nop 丢弃所有事件，作为未配置持久化时的默认实现。
type Nop struct{}

// Record 实现 Journal。
func (Nop) Record(context.Context, Event) error { return nil }

// PositionOpenedPayload 记录开仓。
type PositionOpenedPayload struct {
	PositionID      string `json:"position_id"`
	EntryPrice      string `json:"entry_price"`
	Quantity        string `json:"quantity"`
	TargetPrice     string `json:"target_price"`
	SettlementAsset string `json:"settlement_asset,omitempty"`
	Signature       string `json:"signature,omitempty"`
}

// LegClosedPayload 记录单腿平仓，Reason 为平仓原因。
type LegClosedPayload struct {
	PositionID  string `json:"position_id"`
	LegID       string `json:"leg_id"`
	LegKind     string `json:"leg_kind"`
	ClosePrice  string `json:"close_price"`
	FillPrice   string `json:"fill_price,omitempty"`
	RealizedPnL string `json:"realized_pnl"`
	Reason      string `json:"reason"`
	Signature   string `json:"signature,omitempty"`
}

// StopPayload 记录 runner 止损价变化。
type StopPayload struct {
	PositionID string `json:"position_id"`
	LegID      string `json:"leg_id"`
	From       string `json:"from,omitempty"`
	To         string `json:"to"`
}

// TradeFailedPayload 记录执行失败。
type TradeFailedPayload struct {
	Operation string `json:"operation"`
	LegID     string `json:"leg_id,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// BreakerPayload 记录熔断器状态变化。
type BreakerPayload struct {
	Reason            string `json:"reason,omitempty"`
	DailyPnL          string `json:"daily_pnl"`
	ConsecutiveLosses int    `json:"consecutive_losses"`
	TradesToday       int    `json:"trades_today"`
}
