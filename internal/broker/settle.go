package broker

import (
	"context"

	"go.uber.org/zap"

	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

// settleFunc 执行一条已由仓位引擎标记为 CLOSED 的腿的卖出。
type settleFunc func(ctx context.Context, leg position.Leg, pc PriceContext) ExecutionResult

// applyClosures 对本次发生 OPEN->CLOSED 的腿逐条执行卖出。
// 卖出失败的腿恢复为 OPEN（保留移动止损与最高价），下个周期重试；
// 若失败的是 TP 腿，同一仓位 runner 在本次获得的保本止损一并撤销。
func applyClosures(ctx context.Context, logger *zap.Logger, before, after []position.Leg, changes []position.Change, pc PriceContext, settle settleFunc) UpdateResult {
	prev := make(map[string]position.Leg, len(before))
	for _, l := range before {
		prev[l.ID] = l
	}

	result := UpdateResult{Legs: after}
	failed := make(map[string]struct{})
	revertLock := make(map[string]struct{})
	unlocked := make(map[string]struct{})

	for i := range result.Legs {
		leg := result.Legs[i]
		old, ok := prev[leg.ID]
		if !ok || !old.IsOpen() || leg.IsOpen() {
			continue
		}

		exec := settle(ctx, leg, pc)
		result.Executions = append(result.Executions, exec)
		if exec.OK {
			continue
		}

		logger.Warn("平仓执行失败，腿恢复为持仓",
			zap.String("leg_id", leg.ID),
			zap.String("kind", string(leg.Kind)),
			zap.String("reason", exec.Reason),
			zap.Error(exec.Err),
		)
		result.Legs[i] = position.Reopen(leg)
		failed[leg.ID] = struct{}{}
		if leg.Kind == position.LegTP {
			revertLock[leg.GroupKey()] = struct{}{}
		}
	}

	if len(revertLock) > 0 {
		for i := range result.Legs {
			leg := &result.Legs[i]
			if leg.Kind != position.LegRunner || !leg.IsOpen() {
				continue
			}
			if _, ok := revertLock[leg.GroupKey()]; !ok {
				continue
			}
			if old, ok := prev[leg.ID]; ok && old.TrailingStop == nil {
				leg.TrailingStop = nil
				unlocked[leg.ID] = struct{}{}
			}
		}
	}

	for _, ch := range changes {
		if _, bad := failed[ch.LegID]; bad && (ch.Kind == position.ChangeClosed || ch.Kind == position.ChangeTrimmed) {
			continue
		}
		if _, bad := unlocked[ch.LegID]; bad && (ch.Kind == position.ChangeBreakevenLocked || ch.Kind == position.ChangeTrailingRaised) {
			continue
		}
		result.Changes = append(result.Changes, ch)
	}
	return result
}

func updateAndClose(ctx context.Context, o options, trail position.TrailParams, legs []position.Leg, pc PriceContext, settle settleFunc) UpdateResult {
	after, changes := o.engine.Update(legs, pc.Price, pc.ATR, trail)
	return applyClosures(ctx, o.logger, legs, after, changes, pc, settle)
}

func trimRunners(ctx context.Context, o options, legs []position.Leg, sig signal.Signal, pc PriceContext, settle settleFunc) UpdateResult {
	after, changes := o.engine.Trim(legs, sig)
	return applyClosures(ctx, o.logger, legs, after, changes, pc, settle)
}

func closeOne(ctx context.Context, o options, leg position.Leg, pc PriceContext, reason string, settle settleFunc) (position.Leg, ExecutionResult) {
	closed, ok := o.engine.Close(leg, pc.Price, reason)
	if !ok {
		return leg, ExecutionResult{
			LegID:      leg.ID,
			PositionID: leg.PositionID,
			OK:         true,
			Skipped:    true,
			Reason:     "腿已平仓",
			Timestamp:  o.now(),
		}
	}
	exec := settle(ctx, closed, pc)
	if !exec.OK {
		return leg, exec
	}
	return closed, exec
}
