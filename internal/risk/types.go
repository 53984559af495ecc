package risk

import (
	"time"

	"trades-engine/internal/position"
)

// StatusType 描述风控评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// AssetState 记录单个资产的持仓腿与最近交易时间，只由该资产自己的周期修改。
type AssetState struct {
	Symbol         string         `json:"symbol"`
	Legs           []position.Leg `json:"legs"`
	LastSignalTime time.Time      `json:"last_signal_time"`
	LastTradeTime  time.Time      `json:"last_trade_time"`
}

// Decision 为一次准入判断的结果。Remaining 仅在冷却期拒绝时非零。
type Decision struct {
	Asset     string
	Status    StatusType
	Reason    string
	Remaining time.Duration
}

// Allowed 判断是否允许开仓。
func (d Decision) Allowed() bool {
	return d.Status == StatusProceed
}
