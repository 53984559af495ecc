package backtest

import "time"

// equityCurve 记录每根K线收盘后的组合价值与逐步收益率。
type equityCurve struct {
	timestamps []time.Time
	equity     []float64
	returns    []float64
}

func newEquityCurve(initial float64, start time.Time) *equityCurve {
	return &equityCurve{
		timestamps: []time.Time{start},
		equity:     []float64{initial},
	}
}

// Record 追加一步的组合价值。
func (c *equityCurve) Record(ts time.Time, value float64) {
	prev := c.equity[len(c.equity)-1]
	if prev != 0 {
		c.returns = append(c.returns, value/prev-1)
	}
	c.timestamps = append(c.timestamps, ts)
	c.equity = append(c.equity, value)
}

func (c *equityCurve) Last() float64 {
	return c.equity[len(c.equity)-1]
}

func (c *equityCurve) Equity() []float64 {
	return append([]float64(nil), c.equity...)
}

func (c *equityCurve) Returns() []float64 {
	return append([]float64(nil), c.returns...)
}
