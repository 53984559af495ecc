package indicator

import (
	"math"
	"time"

	"trades-engine/internal/exchange"
)

// Series 将K线拆分为 talib 需要的序列，按时间升序。
type Series struct {
	Timestamps []time.Time
	High       []float64
	Low        []float64
	Close      []float64
}

// NewSeries 从交易所K线创建 Series。
func NewSeries(candles []exchange.Candle) Series {
	n := len(candles)
	s := Series{
		Timestamps: make([]time.Time, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
	}
	for i, c := range candles {
		s.Timestamps[i] = c.Timestamp.UTC()
		s.High[i] = c.High
		s.Low[i] = c.Low
		s.Close[i] = c.Close
	}
	return s
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回序列倒数第二个值，若不足两个元素则返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
