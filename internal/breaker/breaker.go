package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-engine/internal/config"
	"trades-engine/internal/journal"
	"trades-engine/internal/statefile"
)

var hundred = decimal.NewFromInt(100)

// Breaker 是独立于风控闸门的安全状态机。一旦熔断只能人工 Reset 恢复。
type Breaker struct {
	mu sync.Mutex
	// saveMu 串行化快照写入，保证落盘顺序与内存状态一致。
	saveMu   sync.Mutex
	cfg      config.BreakerConfig
	state    State
	path     string
	recorder *journal.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option 配置 Breaker。
type Option func(*Breaker)

// WithStatePath 指定快照文件，为空时只保存在内存中。
func WithStatePath(path string) Option {
	return func(b *Breaker) { b.path = path }
}

// WithRecorder 指定审计记录器。
func WithRecorder(r *journal.Recorder) Option {
	return func(b *Breaker) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithLogger 指定日志。
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock 替换时钟。
func WithClock(fn func() time.Time) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New 创建熔断器。
func New(cfg config.BreakerConfig, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.recorder == nil {
		b.recorder = journal.NewRecorder(nil, b.logger)
	}
	b.state.DailyPnL = decimal.Zero
	b.state.ResetDate = dayKey(b.now())
	return b
}

// Load 从快照文件恢复状态，文件不存在时保持初始状态。
func (b *Breaker) Load(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	var st State
	ok, err := statefile.Load(ctx, b.path, &st)
	if err != nil {
		return fmt.Errorf("breaker: 加载状态失败: %w", err)
	}
	if !ok {
		return nil
	}

	b.mu.Lock()
	b.state = st
	b.mu.Unlock()

	if st.Tripped {
		b.logger.Warn("熔断器处于触发状态，需人工复位",
			zap.String("reason", st.TripReason),
		)
	}
	return nil
}

// State 返回当前快照副本。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyState()
}

// Tripped 判断是否处于熔断状态。
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Tripped
}

// CanTrade 判断 now 时刻是否允许尝试任何交易。
func (b *Breaker) CanTrade(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Tripped {
		return Decision{Reason: fmt.Sprintf("熔断中: %s", b.state.TripReason)}
	}
	if b.state.TradesExecutedToday >= b.cfg.MaxDailyTrades {
		return Decision{Reason: fmt.Sprintf("当日交易次数 %d 已达上限 %d", b.state.TradesExecutedToday, b.cfg.MaxDailyTrades)}
	}
	if !b.state.LastTradeTimestamp.IsZero() {
		elapsed := now.Sub(b.state.LastTradeTimestamp)
		if elapsed < b.cfg.MinTimeBetweenTrades {
			remaining := b.cfg.MinTimeBetweenTrades - elapsed
			return Decision{
				Reason:    fmt.Sprintf("全局交易间隔未满，剩余 %s", remaining.Round(time.Second)),
				Remaining: remaining,
			}
		}
	}
	return Decision{Allowed: true}
}

// RecordTrade 记录一笔已成交交易的盈亏并评估熔断条件，返回本次是否触发熔断。
// portfolioValue 非正时跳过亏损比例检查。冷却时间只由 RecordEntry 更新。
func (b *Breaker) RecordTrade(ctx context.Context, pnl, portfolioValue decimal.Decimal) (bool, error) {
	b.mu.Lock()
	now := b.now()
	b.state.TradesExecutedToday++
	b.state.DailyPnL = b.state.DailyPnL.Add(pnl)
	if pnl.IsNegative() {
		b.state.ConsecutiveLosses++
	} else {
		b.state.ConsecutiveLosses = 0
	}

	trippedNow := false
	if !b.state.Tripped {
		if reason := b.tripReason(portfolioValue); reason != "" {
			b.state.Tripped = true
			b.state.TripReason = reason
			tripTime := now
			b.state.TripTime = &tripTime
			trippedNow = true
		}
	}
	snapshot := b.copyState()
	b.mu.Unlock()

	if trippedNow {
		b.logger.Error("熔断器触发，停止交易",
			zap.String("reason", snapshot.TripReason),
			zap.String("daily_pnl", snapshot.DailyPnL.String()),
			zap.Int("consecutive_losses", snapshot.ConsecutiveLosses),
		)
		b.recorder.BreakerTripped(ctx, payload(snapshot))
	}

	return trippedNow, b.persist(ctx)
}

// RecordEntry 记录一次开仓成交：只计入交易次数与时间，不影响盈亏与连续亏损。
func (b *Breaker) RecordEntry(ctx context.Context) error {
	b.mu.Lock()
	b.state.TradesExecutedToday++
	b.state.LastTradeTimestamp = b.now()
	b.mu.Unlock()
	return b.persist(ctx)
}

func (b *Breaker) tripReason(portfolioValue decimal.Decimal) string {
	if portfolioValue.IsPositive() {
		lossPct := b.state.DailyPnL.Div(portfolioValue).Mul(hundred)
		if lossPct.LessThan(b.cfg.MaxDailyLossPercent.Neg()) {
			return fmt.Sprintf("当日亏损 %s%% 超过上限 %s%%", lossPct.StringFixed(2), b.cfg.MaxDailyLossPercent)
		}
	} else {
		b.logger.Warn("组合价值无效，跳过日亏损检查", zap.String("portfolio_value", portfolioValue.String()))
	}
	if b.state.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("连续亏损 %d 次", b.state.ConsecutiveLosses)
	}
	return ""
}

// ResetDaily 清零当日盈亏与交易次数，熔断状态与连续亏损保持不变。
func (b *Breaker) ResetDaily(ctx context.Context, now time.Time) error {
	b.mu.Lock()
	b.state.DailyPnL = decimal.Zero
	b.state.TradesExecutedToday = 0
	b.state.ResetDate = dayKey(now)
	snapshot := b.copyState()
	b.mu.Unlock()

	b.logger.Info("熔断器日计数已重置", zap.String("date", snapshot.ResetDate))
	return b.persist(ctx)
}

// RolloverIfNeeded 在 UTC 日期变化时执行 ResetDaily。
func (b *Breaker) RolloverIfNeeded(ctx context.Context, now time.Time) (bool, error) {
	b.mu.Lock()
	same := b.state.ResetDate == dayKey(now)
	b.mu.Unlock()
	if same {
		return false, nil
	}
	return true, b.ResetDaily(ctx, now)
}

// Reset 人工解除熔断。
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	wasTripped := b.state.Tripped
	b.state.Tripped = false
	b.state.TripReason = ""
	b.state.TripTime = nil
	b.state.ConsecutiveLosses = 0
	snapshot := b.copyState()
	b.mu.Unlock()

	if wasTripped {
		b.logger.Warn("熔断器已人工复位")
		b.recorder.BreakerReset(ctx, payload(snapshot))
	}
	return b.persist(ctx)
}

// persist 在 saveMu 内读取最新状态并写盘，后写入的总是更新的快照。
func (b *Breaker) persist(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	b.mu.Lock()
	st := b.copyState()
	b.mu.Unlock()

	if err := statefile.Save(ctx, b.path, st); err != nil {
		b.logger.Error("保存熔断器状态失败", zap.Error(err))
		return fmt.Errorf("breaker: 保存状态失败: %w", err)
	}
	return nil
}

func (b *Breaker) copyState() State {
	st := b.state
	if st.TripTime != nil {
		t := *st.TripTime
		st.TripTime = &t
	}
	return st
}

func payload(st State) journal.BreakerPayload {
	return journal.BreakerPayload{
		Reason:            st.TripReason,
		DailyPnL:          st.DailyPnL.String(),
		ConsecutiveLosses: st.ConsecutiveLosses,
		TradesToday:       st.TradesExecutedToday,
	}
}

// ValidatePrice 检查观测价格相对期望价格的偏离是否在 maxDeviationPercent 以内。
// 只用于单笔交易的价格校验，不会触发熔断。
func ValidatePrice(observed, expected, maxDeviationPercent decimal.Decimal) bool {
	if !expected.IsPositive() || !observed.IsPositive() {
		return false
	}
	deviation := observed.Sub(expected).Abs().Div(expected).Mul(hundred)
	return deviation.LessThanOrEqual(maxDeviationPercent)
}
