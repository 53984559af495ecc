package position

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// LegKind 区分固定止盈腿与移动止损腿。
type LegKind string

const (
	LegTP     LegKind = "TP"
	LegRunner LegKind = "RUNNER"
)

// Status 为腿的生命周期状态，OPEN 到 CLOSED 只发生一次。
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// 平仓原因。
const (
	ReasonTPHit        = "TP target hit"
	ReasonTrailingStop = "Trailing stop hit"
	ReasonTrim         = "Trim signal"
)

// Leg 是一个仓位的一条腿。同一仓位的两条腿共享 PositionID。
type Leg struct {
	ID              string           `json:"id"`
	PositionID      string           `json:"position_id,omitempty"`
	Asset           string           `json:"asset"`
	Kind            LegKind          `json:"kind"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	Quantity        decimal.Decimal  `json:"quantity"`
	EntryTime       time.Time        `json:"entry_time"`
	TargetPrice     *decimal.Decimal `json:"target_price,omitempty"`
	TrailingStop    *decimal.Decimal `json:"trailing_stop,omitempty"`
	HighestPrice    *decimal.Decimal `json:"highest_price,omitempty"`
	Status          Status           `json:"status"`
	ClosePrice      *decimal.Decimal `json:"close_price,omitempty"`
	CloseTime       *time.Time       `json:"close_time,omitempty"`
	CloseReason     string           `json:"close_reason,omitempty"`
	SettlementAsset string           `json:"settlement_asset,omitempty"`
}

// IsOpen 判断腿是否仍持仓。
func (l Leg) IsOpen() bool {
	return l.Status == StatusOpen
}

// GroupKey 返回仓位分组键。
// 早期状态文件中的腿没有 PositionID，此时按入场时间（毫秒）归组。
func (l Leg) GroupKey() string {
	if l.PositionID != "" {
		return l.PositionID
	}
	return "legacy:" + strconv.FormatInt(l.EntryTime.UnixMilli(), 10)
}

// ErrNotEntrySignal 表示用非开仓信号调用 Open。
var ErrNotEntrySignal = errors.New("not an entry signal")

// ErrInvalidEntry 表示入场价格或 ATR 无法构建仓位。
var ErrInvalidEntry = errors.New("invalid entry parameters")

// ContractViolation 表示调用方违反了接口约定，属于编程错误，不应重试。
type ContractViolation struct {
	Op  string
	Err error
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("position: %s: contract violation: %v", e.Op, e.Err)
}

func (e *ContractViolation) Unwrap() error {
	return e.Err
}

// IsContractViolation 判断错误链中是否包含 ContractViolation。
func IsContractViolation(err error) bool {
	var cv *ContractViolation
	return errors.As(err, &cv)
}

// ChangeKind 描述一次更新中腿发生的变化，用于审计。
type ChangeKind string

const (
	ChangeClosed          ChangeKind = "leg_closed"
	ChangeBreakevenLocked ChangeKind = "breakeven_lock_activated"
	ChangeTrailingRaised  ChangeKind = "trailing_stop_updated"
	ChangeTrimmed         ChangeKind = "runner_trimmed"
)

// Change 记录单条腿的状态迁移。
type Change struct {
	Kind       ChangeKind
	LegID      string
	PositionID string
	LegKind    LegKind
	From       decimal.Decimal
	To         decimal.Decimal
	Reason     string
}
