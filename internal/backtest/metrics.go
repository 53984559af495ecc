package backtest

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// Metrics 记录回测绩效指标。WinRate 按已平仓腿的已实现盈亏计算，
// MaxDrawdownSteps 为最长回撤持续的K线数量。
type Metrics struct {
	TotalReturn      float64
	MaxDrawdown      float64
	MaxDrawdownSteps int
	SharpeRatio      float64
	WinRate          float64
}

func calculateMetrics(equity []float64, returns []float64, periodsPerYear float64) Metrics {
	if len(equity) == 0 {
		return Metrics{}
	}

	var m Metrics
	if initial := equity[0]; initial > 0 {
		m.TotalReturn = equity[len(equity)-1]/initial - 1
	}
	m.MaxDrawdown, m.MaxDrawdownSteps = drawdown(equity)
	m.SharpeRatio = sharpe(returns, periodsPerYear)
	return m
}

// drawdown 返回相对历史峰值的最大回撤比例与最长水下持续步数。
func drawdown(equity []float64) (float64, int) {
	var (
		peak     float64
		maxDD    float64
		under    int
		maxUnder int
	)
	for _, v := range equity {
		if v >= peak {
			peak = v
			under = 0
			continue
		}
		under++
		if under > maxUnder {
			maxUnder = under
		}
		if peak > 0 {
			maxDD = math.Max(maxDD, (peak-v)/peak)
		}
	}
	return maxDD, maxUnder
}

// sharpe 以逐步收益的均值与总体标准差计算年化夏普，无风险利率取 0。
func sharpe(returns []float64, periodsPerYear float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	mean := talib.Sma(returns, n)[n-1]
	std := talib.StdDev(returns, n, 1)[n-1]
	if std <= 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

func winRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}
