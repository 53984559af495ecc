package exchange

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketSnapshot 为单个资产一次拉取的 K 线。
type MarketSnapshot struct {
	Asset       string
	Symbol      string
	Timeframe   string
	Candles     []Candle
	RetrievedAt time.Time
}

// Last 返回最新一根 K 线。
func (s MarketSnapshot) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}
