package indicator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"trades-engine/internal/broker"
	"trades-engine/internal/exchange"
	"trades-engine/internal/signal"
)

// ErrInsufficientData 表示K线数量不足以计算指标。
var ErrInsufficientData = errors.New("insufficient candles")

// Params 指标周期。
type Params struct {
	ATRPeriod  int
	FastPeriod int
	SlowPeriod int
}

// Result 为一次指标计算的汇总，只取最后两根K线的值。
type Result struct {
	Timestamp   time.Time
	Close       float64
	ATR         float64
	EMAFast     float64
	EMASlow     float64
	PrevEMAFast float64
	PrevEMASlow float64
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 计算 ATR 与 EMA 交叉，按资产缓存最近一次结果。
type Calculator struct {
	params Params

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator(params Params) *Calculator {
	return &Calculator{
		params: params,
		cache:  make(map[string]cacheEntry),
	}
}

// MinCandles 返回计算所需的最少K线数量。
func (c *Calculator) MinCandles() int {
	n := c.params.ATRPeriod + 1
	if c.params.SlowPeriod+1 > n {
		n = c.params.SlowPeriod + 1
	}
	return n
}

// Compute 依据给定K线计算指标。K线未变化时直接返回缓存结果。
func (c *Calculator) Compute(asset string, candles []exchange.Candle) (Result, error) {
	if len(candles) < c.MinCandles() {
		return Result{}, fmt.Errorf("indicator: %s 需要至少 %d 根K线, got %d: %w", asset, c.MinCandles(), len(candles), ErrInsufficientData)
	}

	series := NewSeries(candles)
	last := series.Timestamps[series.Len()-1]
	key := fmt.Sprintf("%d:%d:%g", series.Len(), last.Unix(), Last(series.Close))

	c.mu.Lock()
	if entry, ok := c.cache[asset]; ok && entry.key == key {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	atr := talib.Atr(series.High, series.Low, series.Close, c.params.ATRPeriod)
	result := Result{
		Timestamp: last,
		Close:     Last(series.Close),
		ATR:       Last(atr),
	}
	if c.params.FastPeriod > 0 && c.params.SlowPeriod > 0 {
		fast := talib.Ema(series.Close, c.params.FastPeriod)
		slow := talib.Ema(series.Close, c.params.SlowPeriod)
		result.EMAFast, result.PrevEMAFast = Last(fast), Prev(fast)
		result.EMASlow, result.PrevEMASlow = Last(slow), Prev(slow)
	}
	if !finite(result.Close, result.ATR) || result.ATR < 0 {
		return Result{}, fmt.Errorf("indicator: %s ATR 计算结果无效", asset)
	}

	c.mu.Lock()
	c.cache[asset] = cacheEntry{key: key, result: result}
	c.mu.Unlock()
	return result, nil
}

// PriceContext 转换为 broker 使用的本周期行情。
func (r Result) PriceContext(asset string) broker.PriceContext {
	return broker.PriceContext{
		Asset:     asset,
		Price:     decimal.NewFromFloat(r.Close),
		ATR:       decimal.NewFromFloat(r.ATR),
		Timestamp: r.Timestamp,
	}
}

// Crossover 返回 EMA 快线相对慢线的交叉方向：上穿为 LONG，下穿为 SHORT。
func (r Result) Crossover() signal.Kind {
	if !finite(r.EMAFast, r.EMASlow, r.PrevEMAFast, r.PrevEMASlow) {
		return signal.KindNone
	}
	switch {
	case r.PrevEMAFast <= r.PrevEMASlow && r.EMAFast > r.EMASlow:
		return signal.KindLong
	case r.PrevEMAFast >= r.PrevEMASlow && r.EMAFast < r.EMASlow:
		return signal.KindShort
	default:
		return signal.KindNone
	}
}

// Signal 在发生交叉时生成信号。
func (r Result) Signal(asset string) (signal.Signal, bool) {
	kind := r.Crossover()
	if kind == signal.KindNone {
		return signal.Signal{}, false
	}
	return signal.Signal{
		Asset:          asset,
		Kind:           kind,
		Timestamp:      r.Timestamp,
		Price:          decimal.NewFromFloat(r.Close),
		IndicatorValue: r.EMAFast - r.EMASlow,
		ATR:            decimal.NewFromFloat(r.ATR),
	}, true
}
