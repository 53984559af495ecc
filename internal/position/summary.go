package position

import "github.com/shopspring/decimal"

// Summary 汇总一组腿的持仓与盈亏。
type Summary struct {
	OpenPositions int             `json:"open_positions"`
	OpenLegs      int             `json:"open_legs"`
	ClosedLegs    int             `json:"closed_legs"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// Summarize 以当前价格计算汇总信息。
func Summarize(legs []Leg, price decimal.Decimal) Summary {
	return Summary{
		OpenPositions: OpenPositionCount(legs),
		OpenLegs:      len(OpenLegs(legs)),
		ClosedLegs:    len(ClosedLegs(legs)),
		UnrealizedPnL: UnrealizedPnL(legs, price),
		RealizedPnL:   RealizedPnL(legs),
	}
}

// OpenLegs 返回未平仓的腿。
func OpenLegs(legs []Leg) []Leg {
	var out []Leg
	for _, l := range legs {
		if l.IsOpen() {
			out = append(out, l)
		}
	}
	return out
}

// ClosedLegs 返回已平仓的腿。
func ClosedLegs(legs []Leg) []Leg {
	var out []Leg
	for _, l := range legs {
		if !l.IsOpen() {
			out = append(out, l)
		}
	}
	return out
}

// OpenPositionCount 统计仍有未平仓腿的仓位数量（按仓位去重，而非腿数）。
func OpenPositionCount(legs []Leg) int {
	seen := make(map[string]struct{})
	for _, l := range legs {
		if l.IsOpen() {
			seen[l.GroupKey()] = struct{}{}
		}
	}
	return len(seen)
}

// UnrealizedPnL 计算未平仓腿在 price 下的浮动盈亏。
func UnrealizedPnL(legs []Leg, price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range legs {
		if l.IsOpen() {
			total = total.Add(price.Sub(l.EntryPrice).Mul(l.Quantity))
		}
	}
	return total
}

// RealizedPnL 计算已平仓腿按平仓价的已实现盈亏。
func RealizedPnL(legs []Leg) decimal.Decimal {
	total := decimal.Zero
	for _, l := range legs {
		if !l.IsOpen() && l.ClosePrice != nil {
			total = total.Add(l.ClosePrice.Sub(l.EntryPrice).Mul(l.Quantity))
		}
	}
	return total
}

// LegPnL 计算单条已平仓腿的盈亏，未平仓返回零。
func LegPnL(l Leg) decimal.Decimal {
	if l.IsOpen() || l.ClosePrice == nil {
		return decimal.Zero
	}
	return l.ClosePrice.Sub(l.EntryPrice).Mul(l.Quantity)
}
