package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trades-engine/internal/signal"
)

// quantityPrecision 为每条腿数量保留的小数位。
const quantityPrecision int32 = 12

// OpenParams 开仓所需的策略参数。
type OpenParams struct {
	TPMultiplier    decimal.Decimal
	TrailMultiplier decimal.Decimal
	UnitAmount      decimal.Decimal
	SettlementAsset string
}

// TrailParams 每轮更新使用的移动止损参数。
type TrailParams struct {
	TrailMultiplier         decimal.Decimal
	BreakevenLockMultiplier decimal.Decimal
}

// Engine 创建并推进双腿仓位。它不做任何 I/O，同样输入得到同样输出。
type Engine struct {
	newID func() string
	now   func() time.Time
}

// Option 调整 Engine 行为，主要用于测试注入。
type Option func(*Engine)

// WithIDGenerator 替换 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithClock 替换时钟。
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine 创建仓位引擎，默认使用 UUID 与 UTC 时钟。
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open 根据 LONG 信号创建 TP 腿与 RUNNER 腿，两条腿同时产生并共享 PositionID。
func (e *Engine) Open(sig signal.Signal, params OpenParams) ([]Leg, error) {
	if !sig.IsEntry() {
		return nil, &ContractViolation{Op: "open", Err: ErrNotEntrySignal}
	}
	if !sig.Price.IsPositive() || sig.ATR.IsNegative() || !params.UnitAmount.IsPositive() {
		return nil, &ContractViolation{Op: "open", Err: ErrInvalidEntry}
	}

	entryTime := sig.Timestamp
	if entryTime.IsZero() {
		entryTime = e.now()
	}
	entryTime = entryTime.UTC()

	entry := sig.Price
	qty := params.UnitAmount.DivRound(entry, quantityPrecision)
	target := entry.Add(sig.ATR.Mul(params.TPMultiplier))
	highest := entry
	positionID := e.newID()

	tp := Leg{
		ID:              e.newID(),
		PositionID:      positionID,
		Asset:           sig.Asset,
		Kind:            LegTP,
		EntryPrice:      entry,
		Quantity:        qty,
		EntryTime:       entryTime,
		TargetPrice:     &target,
		Status:          StatusOpen,
		SettlementAsset: params.SettlementAsset,
	}
	runner := Leg{
		ID:              e.newID(),
		PositionID:      positionID,
		Asset:           sig.Asset,
		Kind:            LegRunner,
		EntryPrice:      entry,
		Quantity:        qty,
		EntryTime:       entryTime,
		HighestPrice:    &highest,
		Status:          StatusOpen,
		SettlementAsset: params.SettlementAsset,
	}
	return []Leg{tp, runner}, nil
}

// Update 用当前价格与 ATR 推进所有腿。
// 先处理 TP 腿，使同一次更新中 TP 成交能触发同仓位 runner 的保本锁定。
func (e *Engine) Update(legs []Leg, price, atr decimal.Decimal, params TrailParams) ([]Leg, []Change) {
	out := make([]Leg, len(legs))
	copy(out, legs)

	var changes []Change
	now := e.now()
	tpClosed := make(map[string]struct{})

	for i := range out {
		leg := &out[i]
		if leg.Kind != LegTP || !leg.IsOpen() || leg.TargetPrice == nil {
			continue
		}
		if price.GreaterThanOrEqual(*leg.TargetPrice) {
			closeLeg(leg, *leg.TargetPrice, ReasonTPHit, now)
			tpClosed[leg.GroupKey()] = struct{}{}
			changes = append(changes, closedChange(*leg))
		}
	}

	for i := range out {
		leg := &out[i]
		if leg.Kind != LegRunner || !leg.IsOpen() {
			continue
		}

		if _, ok := tpClosed[leg.GroupKey()]; ok && leg.TrailingStop == nil {
			stop := leg.EntryPrice.Add(params.BreakevenLockMultiplier.Mul(atr))
			leg.TrailingStop = &stop
			changes = append(changes, Change{
				Kind:       ChangeBreakevenLocked,
				LegID:      leg.ID,
				PositionID: leg.PositionID,
				LegKind:    leg.Kind,
				To:         stop,
			})
		}

		highest := leg.EntryPrice
		if leg.HighestPrice != nil {
			highest = *leg.HighestPrice
		}
		highest = decimal.Max(highest, price)
		leg.HighestPrice = &highest

		if leg.TrailingStop == nil {
			continue
		}

		current := *leg.TrailingStop
		candidate := highest.Sub(atr.Mul(params.TrailMultiplier))
		if candidate.GreaterThan(current) {
			leg.TrailingStop = &candidate
			changes = append(changes, Change{
				Kind:       ChangeTrailingRaised,
				LegID:      leg.ID,
				PositionID: leg.PositionID,
				LegKind:    leg.Kind,
				From:       current,
				To:         candidate,
			})
		}

		stop := *leg.TrailingStop
		if price.LessThanOrEqual(stop) {
			closeLeg(leg, stop, ReasonTrailingStop, now)
			changes = append(changes, closedChange(*leg))
		}
	}

	return out, changes
}

// Trim 在 SHORT 信号下以信号价格平掉所有未平仓的 runner 腿，其它信号原样返回。
func (e *Engine) Trim(legs []Leg, sig signal.Signal) ([]Leg, []Change) {
	out := make([]Leg, len(legs))
	copy(out, legs)
	if !sig.IsTrim() {
		return out, nil
	}

	var changes []Change
	now := e.now()
	for i := range out {
		leg := &out[i]
		if leg.Kind != LegRunner || !leg.IsOpen() {
			continue
		}
		closeLeg(leg, sig.Price, ReasonTrim, now)
		ch := closedChange(*leg)
		ch.Kind = ChangeTrimmed
		changes = append(changes, ch)
	}
	return out, changes
}

// Close 按给定价格与原因平掉单条腿。已平仓的腿返回 false 且不做修改。
func (e *Engine) Close(leg Leg, price decimal.Decimal, reason string) (Leg, bool) {
	if !leg.IsOpen() {
		return leg, false
	}
	closeLeg(&leg, price, reason, e.now())
	return leg, true
}

// Reopen 撤销一次未能成交的平仓，保留移动止损与最高价。
func Reopen(leg Leg) Leg {
	leg.Status = StatusOpen
	leg.ClosePrice = nil
	leg.CloseTime = nil
	leg.CloseReason = ""
	return leg
}

func closeLeg(leg *Leg, price decimal.Decimal, reason string, now time.Time) {
	closePrice := price
	closeTime := now.UTC()
	leg.Status = StatusClosed
	leg.ClosePrice = &closePrice
	leg.CloseTime = &closeTime
	leg.CloseReason = reason
}

func closedChange(leg Leg) Change {
	return Change{
		Kind:       ChangeClosed,
		LegID:      leg.ID,
		PositionID: leg.PositionID,
		LegKind:    leg.Kind,
		From:       leg.EntryPrice,
		To:         *leg.ClosePrice,
		Reason:     leg.CloseReason,
	}
}
