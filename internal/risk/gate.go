package risk

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/config"
	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

// Gate 负责多资产持仓上限与交易冷却的准入控制。
type Gate struct {
	mu     sync.RWMutex
	cfg    config.RiskConfig
	assets map[string]*AssetState
	order  []string
	// reserved 为已通过准入、开仓执行中但尚未提交腿的仓位数。
	reserved map[string]int
	logger   *zap.Logger
}

// NewGate 为每个启用资产初始化跟踪状态。
func NewGate(cfg config.RiskConfig, symbols []string, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:      cfg,
		assets:   make(map[string]*AssetState, len(symbols)),
		reserved: make(map[string]int, len(symbols)),
		logger:   logger,
	}
	for _, s := range symbols {
		key := normalize(s)
		if _, ok := g.assets[key]; ok {
			continue
		}
		g.assets[key] = &AssetState{Symbol: key}
		g.order = append(g.order, key)
	}
	return g
}

// Symbols 返回受管资产，顺序与初始化一致。
func (g *Gate) Symbols() []string {
	return append([]string(nil), g.order...)
}

// CanTrade 判断 asset 在 now 时刻能否开新仓。
func (g *Gate) CanTrade(asset string, now time.Time) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.evaluate(normalize(asset), now, 0, 0)
}

func (g *Gate) evaluate(key string, now time.Time, pendingAsset, pendingTotal int) Decision {
	deny := func(reason string) Decision {
		return Decision{Asset: key, Status: StatusDeny, Reason: reason}
	}

	st, ok := g.assets[key]
	if !ok {
		return deny(fmt.Sprintf("未知资产 %s", key))
	}

	open := position.OpenPositionCount(st.Legs) + g.reserved[key] + pendingAsset
	if open >= g.cfg.MaxPositionsPerAsset {
		return deny(fmt.Sprintf("%s 持仓数 %d 已达上限 %d", key, open, g.cfg.MaxPositionsPerAsset))
	}

	total := pendingTotal
	for k, other := range g.assets {
		total += position.OpenPositionCount(other.Legs) + g.reserved[k]
	}
	if total >= g.cfg.MaxTotalPositions {
		return deny(fmt.Sprintf("总持仓数 %d 已达上限 %d", total, g.cfg.MaxTotalPositions))
	}

	if !st.LastTradeTime.IsZero() {
		elapsed := now.Sub(st.LastTradeTime)
		if elapsed < g.cfg.MinTimeBetweenTrades {
			d := deny(fmt.Sprintf("%s 冷却中，剩余 %s", key, (g.cfg.MinTimeBetweenTrades - elapsed).Round(time.Second)))
			d.Remaining = g.cfg.MinTimeBetweenTrades - elapsed
			return d
		}
	}

	return Decision{Asset: key, Status: StatusProceed}
}

// Reserve 在写锁内完成准入判断并占用一个仓位名额，供并发的资产周期在执行开仓期间使用。
// 放行后必须调用 Release 或 Commit 归还名额。
func (g *Gate) Reserve(asset string, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := normalize(asset)
	d := g.evaluate(key, now, 0, 0)
	if d.Allowed() {
		g.reserved[key]++
	}
	return d
}

// Release 归还 Reserve 占用的名额，用于开仓被拒绝或失败。
func (g *Gate) Release(asset string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.release(normalize(asset))
}

// Commit 写入开仓后的腿列表并归还对应的占位名额，两步在同一把锁内完成。
func (g *Gate) Commit(asset string, legs []position.Leg) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := normalize(asset)
	st, ok := g.assets[key]
	if !ok {
		return fmt.Errorf("risk: 未知资产 %s", asset)
	}
	st.Legs = append([]position.Leg(nil), legs...)
	g.release(key)
	return nil
}

func (g *Gate) release(key string) {
	if g.reserved[key] > 0 {
		g.reserved[key]--
	}
}

// RecordTrade 记录 asset 的成交时间，不影响其它资产。
func (g *Gate) RecordTrade(asset string, ts time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.assets[normalize(asset)]
	if !ok {
		return fmt.Errorf("risk: 未知资产 %s", asset)
	}
	st.LastTradeTime = ts
	st.LastSignalTime = ts
	return nil
}

// FilterSignals 返回可以执行的信号。开仓信号逐条经过 CanTrade，
// 同一批次中已放行的开仓会计入后续信号的持仓数；非开仓信号直接保留。
func (g *Gate) FilterSignals(signals []signal.Signal, now time.Time) []signal.Signal {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pending := make(map[string]int)
	pendingTotal := 0
	out := make([]signal.Signal, 0, len(signals))
	for _, sig := range signals {
		if !sig.IsEntry() {
			out = append(out, sig)
			continue
		}
		key := normalize(sig.Asset)
		decision := g.evaluate(key, now, pending[key], pendingTotal)
		if !decision.Allowed() {
			g.logger.Info("信号被风控拒绝",
				zap.String("asset", key),
				zap.String("reason", decision.Reason),
				zap.Duration("remaining", decision.Remaining),
			)
			continue
		}
		pending[key]++
		pendingTotal++
		out = append(out, sig)
	}
	return out
}

// Legs 返回 asset 当前持仓腿的副本。
func (g *Gate) Legs(asset string) []position.Leg {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.assets[normalize(asset)]
	if !ok {
		return nil
	}
	return append([]position.Leg(nil), st.Legs...)
}

// SetLegs 用新的腿列表替换 asset 的持仓。
func (g *Gate) SetLegs(asset string, legs []position.Leg) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.assets[normalize(asset)]
	if !ok {
		return fmt.Errorf("risk: 未知资产 %s", asset)
	}
	st.Legs = append([]position.Leg(nil), legs...)
	return nil
}

// MarkSignal 记录 asset 最近一次收到信号的时间。
func (g *Gate) MarkSignal(asset string, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.assets[normalize(asset)]; ok {
		st.LastSignalTime = ts
	}
}

// Snapshot 返回 asset 状态的副本，用于持久化。
func (g *Gate) Snapshot(asset string) (AssetState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.assets[normalize(asset)]
	if !ok {
		return AssetState{}, false
	}
	cp := *st
	cp.Legs = append([]position.Leg(nil), st.Legs...)
	return cp, true
}

// Restore 用持久化的状态覆盖 asset，未启用的资产会被忽略并返回错误。
func (g *Gate) Restore(state AssetState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := normalize(state.Symbol)
	st, ok := g.assets[key]
	if !ok {
		return fmt.Errorf("risk: 状态中的资产 %s 未启用", state.Symbol)
	}
	st.Legs = append([]position.Leg(nil), state.Legs...)
	st.LastSignalTime = state.LastSignalTime
	st.LastTradeTime = state.LastTradeTime
	return nil
}

// OpenPositions 返回 asset 的未平仓仓位数。
func (g *Gate) OpenPositions(asset string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.assets[normalize(asset)]
	if !ok {
		return 0
	}
	return position.OpenPositionCount(st.Legs)
}

// TotalOpenPositions 返回所有资产的未平仓仓位数。
func (g *Gate) TotalOpenPositions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, st := range g.assets {
		total += position.OpenPositionCount(st.Legs)
	}
	return total
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
