package breaker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status 熔断器状态。
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusTripped Status = "TRIPPED"
)

// State 为熔断器完整快照，整体持久化与恢复。
type State struct {
	DailyPnL            decimal.Decimal `json:"daily_pnl"`
	ConsecutiveLosses   int             `json:"consecutive_losses"`
	TradesExecutedToday int             `json:"trades_executed_today"`
	LastTradeTimestamp  time.Time       `json:"last_trade_timestamp"`
	Tripped             bool            `json:"tripped"`
	TripReason          string          `json:"trip_reason,omitempty"`
	TripTime            *time.Time      `json:"trip_time,omitempty"`
	ResetDate           string          `json:"reset_date"`
}

// Status 返回当前状态。
func (s State) Status() Status {
	if s.Tripped {
		return StatusTripped
	}
	return StatusActive
}

// Decision 为熔断器准入判断结果。
type Decision struct {
	Allowed   bool
	Reason    string
	Remaining time.Duration
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
