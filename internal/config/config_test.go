package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const minimalYAML = `
assets:
  - symbol: SOL
    market_symbol: SOL/USDT
strategy:
  unit_amount: "250.5"
breaker:
  max_daily_loss_percent: "3.5"
risk:
  min_time_between_trades: 30m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndDecimals(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if !cfg.Strategy.UnitAmount.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("unit amount = %s, want 250.5", cfg.Strategy.UnitAmount)
	}
	if !cfg.Breaker.MaxDailyLossPercent.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("max daily loss = %s, want 3.5", cfg.Breaker.MaxDailyLossPercent)
	}
	if !cfg.Strategy.TrailMultiplier.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("trail multiplier default = %s, want 2", cfg.Strategy.TrailMultiplier)
	}
	if cfg.Risk.MinTimeBetweenTrades != 30*time.Minute {
		t.Fatalf("risk cooldown = %s, want 30m", cfg.Risk.MinTimeBetweenTrades)
	}
	if cfg.Broker.Mode != BrokerModeSimulated {
		t.Fatalf("broker mode = %q, want simulated", cfg.Broker.Mode)
	}
	if len(cfg.EnabledAssets()) != 1 || cfg.EnabledAssets()[0].Symbol != "SOL" {
		t.Fatalf("unexpected assets: %+v", cfg.Assets)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	path := writeConfig(t, `
assets: []
broker:
  mode: live
risk:
  max_positions_per_asset: 3
  max_total_positions: 2
`)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"assets 至少需要一个启用的资产",
		"broker.private_key",
		"risk.max_total_positions",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %q", msg, want)
		}
	}
}
