package backtest

import (
	"github.com/shopspring/decimal"

	"trades-engine/internal/config"
)

// Config 定义回测参数。Broker 总是按模拟模式运行。
type Config struct {
	Asset          string                // 回测资产
	Lookback       int                   // 每步送入指标计算的K线数量
	PeriodsPerYear float64               // 年化夏普使用的周期数，1h K线为 24*365
	Strategy       config.StrategyConfig // 双腿仓位参数
	Broker         config.BrokerConfig   // 初始余额与滑点
	Risk           config.RiskConfig
	Breaker        config.BreakerConfig
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Asset == "" {
		cfg.Asset = "SOL"
	}
	minLookback := cfg.Strategy.ATRPeriod + 1
	if cfg.Strategy.EMASlowPeriod+1 > minLookback {
		minLookback = cfg.Strategy.EMASlowPeriod + 1
	}
	if cfg.Lookback < minLookback {
		cfg.Lookback = minLookback
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 24 * 365
	}
	cfg.Broker.Mode = config.BrokerModeSimulated
	if !cfg.Broker.InitialQuoteBalance.IsPositive() {
		cfg.Broker.InitialQuoteBalance = decimal.NewFromInt(10000)
	}
	if cfg.Risk.MaxPositionsPerAsset <= 0 {
		cfg.Risk.MaxPositionsPerAsset = 1
	}
	if cfg.Risk.MaxTotalPositions < cfg.Risk.MaxPositionsPerAsset {
		cfg.Risk.MaxTotalPositions = cfg.Risk.MaxPositionsPerAsset
	}
	if cfg.Breaker.MaxDailyTrades <= 0 {
		cfg.Breaker.MaxDailyTrades = 1 << 30
	}
	if cfg.Breaker.MaxConsecutiveLosses <= 0 {
		cfg.Breaker.MaxConsecutiveLosses = 1 << 30
	}
	if !cfg.Breaker.MaxDailyLossPercent.IsPositive() {
		cfg.Breaker.MaxDailyLossPercent = decimal.NewFromInt(100)
	}
	return cfg
}

// FromConfig 用运行配置构建回测参数，窗口取指标所需的最小长度。
func FromConfig(cfg *config.Config, asset string) Config {
	return Config{
		Asset:    asset,
		Strategy: cfg.Strategy,
		Broker:   cfg.Broker,
		Risk:     cfg.Risk,
		Breaker:  cfg.Breaker,
	}
}
