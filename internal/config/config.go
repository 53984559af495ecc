package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trades"
	dotenvPath        = ".env"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 若工作目录存在 .env，会先载入其中的变量（不覆盖已有环境变量）。
func Load(path string) (*Config, error) {
	if err := loadDotenv(dotenvPath); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotenv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.http_addr", ":8080")

	v.SetDefault("strategy.tp_multiplier", 1.0)
	v.SetDefault("strategy.trail_multiplier", 2.0)
	v.SetDefault("strategy.breakeven_lock_multiplier", 0.25)
	v.SetDefault("strategy.unit_amount", "100")
	v.SetDefault("strategy.atr_period", 14)
	v.SetDefault("strategy.ema_fast_period", 12)
	v.SetDefault("strategy.ema_slow_period", 26)

	v.SetDefault("risk.max_positions_per_asset", 2)
	v.SetDefault("risk.max_total_positions", 4)
	v.SetDefault("risk.min_time_between_trades", "15m")

	v.SetDefault("breaker.max_daily_loss_percent", 5.0)
	v.SetDefault("breaker.max_consecutive_losses", 3)
	v.SetDefault("breaker.max_daily_trades", 20)
	v.SetDefault("breaker.min_time_between_trades", "1m")

	v.SetDefault("broker.mode", BrokerModeSimulated)
	v.SetDefault("broker.quote_asset", "USDC")
	v.SetDefault("broker.slippage", 0.001)
	v.SetDefault("broker.initial_quote_balance", "10000")
	v.SetDefault("broker.reserve_amount", "5")
	v.SetDefault("broker.max_price_impact_percent", 1.0)
	v.SetDefault("broker.max_quote_degradation_percent", 0.5)
	v.SetDefault("broker.max_price_deviation_percent", 2.0)
	v.SetDefault("broker.slippage_bps", 50)
	v.SetDefault("broker.confirm_timeout", "60s")
	v.SetDefault("broker.confirm_poll_interval", "2s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("market.quote_url", "")
	v.SetDefault("market.rpc_url", "")
	v.SetDefault("market.timeout", "10s")
	v.SetDefault("market.requests_per_second", 5.0)
	v.SetDefault("market.burst", 5)

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.timeframe", "1h")
	v.SetDefault("exchange.candle_limit", 100)
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("signals.source", SignalSourceMemory)
	v.SetDefault("signals.key_prefix", "signals:")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("state.dir", "data/state")

	v.SetDefault("database.path", "data/trades_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "1m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "trades_engine")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc 将字符串或数值转换为 decimal.Decimal，避免金额经过 float 往返。
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			if strings.TrimSpace(val) == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(strings.TrimSpace(val))
			if err != nil {
				return nil, fmt.Errorf("无法解析金额 %q: %w", val, err)
			}
			return d, nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case float64:
			return decimal.NewFromFloat(val), nil
		default:
			return data, nil
		}
	}
}
