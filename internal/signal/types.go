package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind 表示信号方向。LONG 为开仓信号，SHORT 只用于收缩 runner 腿。
type Kind string

const (
	KindLong  Kind = "LONG"
	KindShort Kind = "SHORT"
	KindNone  Kind = "NONE"
)

// ParseKind 解析外部传入的方向字符串，未知值视为 NONE。
func ParseKind(raw string) Kind {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case KindLong:
		return KindLong
	case KindShort:
		return KindShort
	default:
		return KindNone
	}
}

// Signal 是外部指标/交叉逻辑的输出，本系统只读不改。
type Signal struct {
	Asset          string          `json:"asset"`
	Kind           Kind            `json:"kind"`
	Timestamp      time.Time       `json:"timestamp"`
	Price          decimal.Decimal `json:"price"`
	IndicatorValue float64         `json:"indicator_value"`
	ATR            decimal.Decimal `json:"atr"`
}

// IsEntry 判断是否为开仓信号。
func (s Signal) IsEntry() bool {
	return s.Kind == KindLong
}

// IsTrim 判断是否为收缩 runner 的信号。
func (s Signal) IsTrim() bool {
	return s.Kind == KindShort
}

// Validate 检查信号字段是否可用于下单。
func (s Signal) Validate() error {
	if s.Asset == "" {
		return errors.New("signal: asset 为空")
	}
	switch s.Kind {
	case KindLong, KindShort, KindNone:
	default:
		return fmt.Errorf("signal: 未知方向 %q", s.Kind)
	}
	if s.Kind == KindNone {
		return nil
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("signal: %s 价格必须为正, got %s", s.Asset, s.Price)
	}
	if s.ATR.IsNegative() {
		return fmt.Errorf("signal: %s ATR 不能为负, got %s", s.Asset, s.ATR)
	}
	return nil
}
