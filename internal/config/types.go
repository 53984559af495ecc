package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const (
	BrokerModeSimulated = "simulated"
	BrokerModeLive      = "live"

	SignalSourceMemory    = "memory"
	SignalSourceRedis     = "redis"
	SignalSourceIndicator = "indicator"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Market    MarketConfig    `mapstructure:"market"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Redis     RedisConfig     `mapstructure:"redis"`
	State     StateConfig     `mapstructure:"state"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	HTTPAddr    string `mapstructure:"http_addr"`
}

// AssetConfig 描述一个可交易资产。
// PrimarySettlement/SecondarySettlement 为实盘开仓时可选的两种结算资产。
type AssetConfig struct {
	Symbol              string `mapstructure:"symbol"`
	MarketSymbol        string `mapstructure:"market_symbol"`
	PrimarySettlement   string `mapstructure:"primary_settlement"`
	SecondarySettlement string `mapstructure:"secondary_settlement"`
	Disabled            bool   `mapstructure:"disabled"`
}

// StrategyConfig 双腿仓位参数。
type StrategyConfig struct {
	TPMultiplier            decimal.Decimal `mapstructure:"tp_multiplier"`
	TrailMultiplier         decimal.Decimal `mapstructure:"trail_multiplier"`
	BreakevenLockMultiplier decimal.Decimal `mapstructure:"breakeven_lock_multiplier"`
	UnitAmount              decimal.Decimal `mapstructure:"unit_amount"`
	ATRPeriod               int             `mapstructure:"atr_period"`
	EMAFastPeriod           int             `mapstructure:"ema_fast_period"`
	EMASlowPeriod           int             `mapstructure:"ema_slow_period"`
}

// RiskConfig 管理多资产持仓上限与交易冷却。
type RiskConfig struct {
	MaxPositionsPerAsset int           `mapstructure:"max_positions_per_asset"`
	MaxTotalPositions    int           `mapstructure:"max_total_positions"`
	MinTimeBetweenTrades time.Duration `mapstructure:"min_time_between_trades"`
}

// BreakerConfig 熔断器阈值。MaxDailyLossPercent 以百分比表示，例如 5 代表 5%。
type BreakerConfig struct {
	MaxDailyLossPercent  decimal.Decimal `mapstructure:"max_daily_loss_percent"`
	MaxConsecutiveLosses int             `mapstructure:"max_consecutive_losses"`
	MaxDailyTrades       int             `mapstructure:"max_daily_trades"`
	MinTimeBetweenTrades time.Duration   `mapstructure:"min_time_between_trades"`
}

// BrokerConfig 控制模拟与实盘执行。
type BrokerConfig struct {
	Mode                       string          `mapstructure:"mode"`
	QuoteAsset                 string          `mapstructure:"quote_asset"`
	Slippage                   decimal.Decimal `mapstructure:"slippage"`
	InitialQuoteBalance        decimal.Decimal `mapstructure:"initial_quote_balance"`
	ReserveAmount              decimal.Decimal `mapstructure:"reserve_amount"`
	MaxPriceImpactPercent      decimal.Decimal `mapstructure:"max_price_impact_percent"`
	MaxQuoteDegradationPercent decimal.Decimal `mapstructure:"max_quote_degradation_percent"`
	MaxPriceDeviationPercent   decimal.Decimal `mapstructure:"max_price_deviation_percent"`
	SlippageBps                int             `mapstructure:"slippage_bps"`
	ConfirmTimeout             time.Duration   `mapstructure:"confirm_timeout"`
	ConfirmPollInterval        time.Duration   `mapstructure:"confirm_poll_interval"`
	PrivateKey                 string          `mapstructure:"private_key"`
	Retry                      RetryConfig     `mapstructure:"retry"`
}

// MarketConfig 描述实盘聚合器与节点地址。
type MarketConfig struct {
	QuoteURL          string        `mapstructure:"quote_url"`
	RPCURL            string        `mapstructure:"rpc_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ExchangeConfig 描述行情交易所连接信息。
type ExchangeConfig struct {
	Name        string      `mapstructure:"name"`
	Timeframe   string      `mapstructure:"timeframe"`
	CandleLimit int         `mapstructure:"candle_limit"`
	APIKey      string      `mapstructure:"api_key"`
	APISecret   string      `mapstructure:"api_secret"`
	UseSandbox  bool        `mapstructure:"use_sandbox"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SignalsConfig 选择信号来源。
type SignalsConfig struct {
	Source    string `mapstructure:"source"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisConfig 信号总线连接。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StateConfig 状态文件目录。
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// EnabledAssets 返回未禁用的资产。
func (c *Config) EnabledAssets() []AssetConfig {
	out := make([]AssetConfig, 0, len(c.Assets))
	for _, a := range c.Assets {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.EnabledAssets()) == 0 {
		err = multierr.Append(err, errors.New("assets 至少需要一个启用的资产"))
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for i, a := range c.Assets {
		if a.Symbol == "" {
			err = multierr.Append(err, fmt.Errorf("assets[%d].symbol 不能为空", i))
			continue
		}
		key := strings.ToUpper(a.Symbol)
		if _, dup := seen[key]; dup {
			err = multierr.Append(err, fmt.Errorf("assets[%d].symbol %s 重复", i, a.Symbol))
		}
		seen[key] = struct{}{}
		if c.Broker.Mode == BrokerModeLive && a.PrimarySettlement == "" {
			err = multierr.Append(err, fmt.Errorf("assets[%d].primary_settlement 实盘模式下不能为空", i))
		}
	}

	if !c.Strategy.TPMultiplier.IsPositive() {
		err = multierr.Append(err, errors.New("strategy.tp_multiplier 必须大于0"))
	}
	if !c.Strategy.TrailMultiplier.IsPositive() {
		err = multierr.Append(err, errors.New("strategy.trail_multiplier 必须大于0"))
	}
	if c.Strategy.BreakevenLockMultiplier.IsNegative() {
		err = multierr.Append(err, errors.New("strategy.breakeven_lock_multiplier 不能为负"))
	}
	if !c.Strategy.UnitAmount.IsPositive() {
		err = multierr.Append(err, errors.New("strategy.unit_amount 必须大于0"))
	}
	if c.Strategy.ATRPeriod <= 0 {
		err = multierr.Append(err, errors.New("strategy.atr_period 必须大于0"))
	}

	if c.Risk.MaxPositionsPerAsset <= 0 {
		err = multierr.Append(err, errors.New("risk.max_positions_per_asset 必须大于0"))
	}
	if c.Risk.MaxTotalPositions < c.Risk.MaxPositionsPerAsset {
		err = multierr.Append(err, errors.New("risk.max_total_positions 不能小于 max_positions_per_asset"))
	}
	if c.Risk.MinTimeBetweenTrades < 0 {
		err = multierr.Append(err, errors.New("risk.min_time_between_trades 不能为负"))
	}

	if !c.Breaker.MaxDailyLossPercent.IsPositive() || c.Breaker.MaxDailyLossPercent.GreaterThan(decimal.NewFromInt(100)) {
		err = multierr.Append(err, errors.New("breaker.max_daily_loss_percent 必须位于(0,100]"))
	}
	if c.Breaker.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("breaker.max_consecutive_losses 必须大于0"))
	}
	if c.Breaker.MaxDailyTrades <= 0 {
		err = multierr.Append(err, errors.New("breaker.max_daily_trades 必须大于0"))
	}
	if c.Breaker.MinTimeBetweenTrades < 0 {
		err = multierr.Append(err, errors.New("breaker.min_time_between_trades 不能为负"))
	}

	switch c.Broker.Mode {
	case BrokerModeSimulated:
		if !c.Broker.InitialQuoteBalance.IsPositive() {
			err = multierr.Append(err, errors.New("broker.initial_quote_balance 必须大于0"))
		}
	case BrokerModeLive:
		if c.Broker.PrivateKey == "" {
			err = multierr.Append(err, errors.New("live 模式需要配置 broker.private_key"))
		}
		if c.Market.QuoteURL == "" || c.Market.RPCURL == "" {
			err = multierr.Append(err, errors.New("live 模式需要配置 market.quote_url 与 market.rpc_url"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("broker.mode %q 不受支持", c.Broker.Mode))
	}
	if c.Broker.QuoteAsset == "" {
		err = multierr.Append(err, errors.New("broker.quote_asset 不能为空"))
	}
	if c.Broker.Slippage.IsNegative() || c.Broker.Slippage.GreaterThan(decimal.NewFromFloat(0.2)) {
		err = multierr.Append(err, errors.New("broker.slippage 应位于[0,0.2]"))
	}
	if c.Broker.ReserveAmount.IsNegative() {
		err = multierr.Append(err, errors.New("broker.reserve_amount 不能为负"))
	}
	if !c.Broker.MaxPriceImpactPercent.IsPositive() {
		err = multierr.Append(err, errors.New("broker.max_price_impact_percent 必须大于0"))
	}
	if c.Broker.MaxQuoteDegradationPercent.IsNegative() {
		err = multierr.Append(err, errors.New("broker.max_quote_degradation_percent 不能为负"))
	}
	if !c.Broker.MaxPriceDeviationPercent.IsPositive() {
		err = multierr.Append(err, errors.New("broker.max_price_deviation_percent 必须大于0"))
	}
	err = multierr.Append(err, c.Broker.Retry.validate("broker.retry"))

	if c.Market.Timeout <= 0 {
		err = multierr.Append(err, errors.New("market.timeout 必须大于0"))
	}
	if c.Market.RequestsPerSecond <= 0 || c.Market.Burst <= 0 {
		err = multierr.Append(err, errors.New("market.requests_per_second 与 burst 必须大于0"))
	}

	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Timeframe == "" {
		err = multierr.Append(err, errors.New("exchange.timeframe 不能为空"))
	}
	if c.Exchange.CandleLimit <= c.Strategy.ATRPeriod {
		err = multierr.Append(err, errors.New("exchange.candle_limit 必须大于 strategy.atr_period"))
	}
	err = multierr.Append(err, c.Exchange.Retry.validate("exchange.retry"))

	switch c.Signals.Source {
	case SignalSourceMemory:
	case SignalSourceIndicator:
		if c.Strategy.EMAFastPeriod <= 0 || c.Strategy.EMAFastPeriod >= c.Strategy.EMASlowPeriod {
			err = multierr.Append(err, errors.New("strategy.ema_fast_period 必须大于0且小于 ema_slow_period"))
		}
		if c.Exchange.CandleLimit <= c.Strategy.EMASlowPeriod {
			err = multierr.Append(err, errors.New("exchange.candle_limit 必须大于 strategy.ema_slow_period"))
		}
	case SignalSourceRedis:
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("signals.source %q 不受支持", c.Signals.Source))
	}

	if c.State.Dir == "" {
		err = multierr.Append(err, errors.New("state.dir 不能为空"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (r RetryConfig) validate(prefix string) error {
	var err error
	if r.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_attempts 必须大于0", prefix))
	}
	if r.MinDelay <= 0 || r.MaxDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.delay 必须为正", prefix))
	}
	if r.MinDelay > r.MaxDelay {
		err = multierr.Append(err, fmt.Errorf("%s.min_delay 不能大于 max_delay", prefix))
	}
	return err
}
