package backtest

import (
	"context"

	"trades-engine/internal/exchange"
	"trades-engine/internal/indicator"
	"trades-engine/internal/signal"
)

// CandleProvider 按时间顺序逐根提供K线。
type CandleProvider interface {
	Next(ctx context.Context) (exchange.Candle, bool, error)
}

// SignalProvider 根据本步指标结果决定是否产生信号，便于在回测中注入不同策略。
type SignalProvider interface {
	Signal(asset string, res indicator.Result) (signal.Signal, bool)
}
