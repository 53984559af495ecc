package journal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Recorder 包装 Journal，写入失败只记日志，不影响交易流程。
type Recorder struct {
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder 创建 Recorder，journal 为 nil 时使用 Nop。
func NewRecorder(j Journal, logger *zap.Logger) *Recorder {
	if j == nil {
		j = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		journal: j,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recorder) emit(ctx context.Context, typ EventType, asset string, payload interface{}) {
	if r == nil {
		return
	}
	err := r.journal.Record(ctx, Event{Type: typ, Asset: asset, Timestamp: r.now(), Payload: payload})
	if err != nil {
		r.logger.Warn("记录审计事件失败",
			zap.String("type", string(typ)),
			zap.String("asset", asset),
			zap.Error(err),
		)
	}
}

// PositionOpened 记录开仓。
func (r *Recorder) PositionOpened(ctx context.Context, asset string, p PositionOpenedPayload) {
	r.emit(ctx, EventPositionOpened, asset, p)
}

// LegClosed 记录单腿平仓。
func (r *Recorder) LegClosed(ctx context.Context, asset string, p LegClosedPayload) {
	r.emit(ctx, EventLegClosed, asset, p)
}

// RunnerTrimmed 记录 runner 被 SHORT 信号收缩。
func (r *Recorder) RunnerTrimmed(ctx context.Context, asset string, p LegClosedPayload) {
	r.emit(ctx, EventRunnerTrimmed, asset, p)
}

// TrailingStopUpdated 记录移动止损上移。
func (r *Recorder) TrailingStopUpdated(ctx context.Context, asset string, p StopPayload) {
	r.emit(ctx, EventTrailingStopUpdated, asset, p)
}

// BreakevenLockActivated 记录保本锁定生效。
func (r *Recorder) BreakevenLockActivated(ctx context.Context, asset string, p StopPayload) {
	r.emit(ctx, EventBreakevenLockActivated, asset, p)
}

// TradeFailed 记录执行失败。
func (r *Recorder) TradeFailed(ctx context.Context, asset string, p TradeFailedPayload) {
	r.emit(ctx, EventTradeFailed, asset, p)
}

// BreakerTripped 记录熔断。
func (r *Recorder) BreakerTripped(ctx context.Context, p BreakerPayload) {
	r.emit(ctx, EventBreakerTripped, "", p)
}

// BreakerReset 记录人工解除熔断。
func (r *Recorder) BreakerReset(ctx context.Context, p BreakerPayload) {
	r.emit(ctx, EventBreakerReset, "", p)
}
