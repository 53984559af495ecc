package backtest

import (
	"context"

	"trades-engine/internal/exchange"
	"trades-engine/internal/indicator"
	"trades-engine/internal/signal"
)

// SliceCandleProvider 以固定序列提供K线。
type SliceCandleProvider struct {
	candles []exchange.Candle
	index   int
}

func NewSliceCandleProvider(candles []exchange.Candle) *SliceCandleProvider {
	return &SliceCandleProvider{candles: candles}
}

func (p *SliceCandleProvider) Next(ctx context.Context) (exchange.Candle, bool, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Candle{}, false, err
	}
	if p.index >= len(p.candles) {
		return exchange.Candle{}, false, nil
	}
	c := p.candles[p.index]
	p.index++
	return c, true, nil
}

// SignalFunc 允许使用函数作为信号提供者。
type SignalFunc func(asset string, res indicator.Result) (signal.Signal, bool)

func (f SignalFunc) Signal(asset string, res indicator.Result) (signal.Signal, bool) {
	if f == nil {
		return signal.Signal{}, false
	}
	return f(asset, res)
}

// CrossoverSignals 使用 EMA 交叉，与 indicator 信号源一致。
var CrossoverSignals SignalProvider = SignalFunc(func(asset string, res indicator.Result) (signal.Signal, bool) {
	return res.Signal(asset)
})
