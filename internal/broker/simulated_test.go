package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trades-engine/internal/config"
	"trades-engine/internal/position"
	"trades-engine/internal/signal"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testEngine() *position.Engine {
	n := 0
	return position.NewEngine(
		position.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
		position.WithClock(func() time.Time { return t0.Add(time.Hour) }),
	)
}

func testStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		TPMultiplier:            dec("1"),
		TrailMultiplier:         dec("2"),
		BreakevenLockMultiplier: dec("0.25"),
		UnitAmount:              dec("100"),
		ATRPeriod:               14,
	}
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Mode:                       config.BrokerModeSimulated,
		QuoteAsset:                 "USDC",
		Slippage:                   dec("0.001"),
		InitialQuoteBalance:        dec("10000"),
		ReserveAmount:              dec("5"),
		MaxPriceImpactPercent:      dec("1"),
		MaxQuoteDegradationPercent: dec("0.5"),
		MaxPriceDeviationPercent:   dec("2"),
		SlippageBps:                50,
		Retry:                      config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func longAt(price, atr string) signal.Signal {
	return signal.Signal{Asset: "SOL", Kind: signal.KindLong, Timestamp: t0, Price: dec(price), ATR: dec(atr)}
}

func priceAt(price, atr string) PriceContext {
	return PriceContext{Asset: "SOL", Price: dec(price), ATR: dec(atr), Timestamp: t0}
}

func newTestSimulated(cfg config.BrokerConfig) *Simulated {
	return NewSimulated("sol", testStrategy(), cfg,
		WithEngine(testEngine()),
		WithClock(func() time.Time { return t0 }),
		WithSleep(noSleep),
	)
}

func findLeg(t *testing.T, legs []position.Leg, kind position.LegKind) position.Leg {
	t.Helper()
	for _, l := range legs {
		if l.Kind == kind {
			return l
		}
	}
	t.Fatalf("leg of kind %s not found", kind)
	return position.Leg{}
}

func TestSimulatedOpenPosition_DebitsLedgerWithSlippage(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if !res.OK || len(res.Legs) != 2 {
		t.Fatalf("expected successful open with 2 legs, got %+v", res)
	}
	if res.Legs[0].SettlementAsset != "SOL" {
		t.Errorf("expected settlement asset SOL, got %s", res.Legs[0].SettlementAsset)
	}
	if !res.Execution.FillPrice.Equal(dec("100.1")) {
		t.Errorf("expected fill 100.1, got %s", res.Execution.FillPrice)
	}

	sum, err := b.Summary(context.Background(), dec("100"))
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if !sum.QuoteBalance.Equal(dec("9799.8")) {
		t.Errorf("expected quote balance 9799.8, got %s", sum.QuoteBalance)
	}
	if !sum.BaseBalance.Equal(dec("2")) {
		t.Errorf("expected base balance 2, got %s", sum.BaseBalance)
	}
	if sum.Trades != 2 {
		t.Errorf("expected 2 buy trades, got %d", sum.Trades)
	}
}

func TestSimulatedOpenPosition_RejectsNonEntrySignal(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	sig := longAt("100", "10")
	sig.Kind = signal.KindShort

	_, err := b.OpenPosition(context.Background(), sig, priceAt("100", "10"))
	if !position.IsContractViolation(err) {
		t.Fatalf("expected contract violation, got %v", err)
	}
}

func TestSimulatedOpenPosition_InsufficientBalance(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.InitialQuoteBalance = dec("150")
	b := newTestSimulated(cfg)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if res.OK || len(res.Legs) != 0 {
		t.Fatalf("expected rejected open, got %+v", res)
	}
	if !errors.Is(res.Err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", res.Err)
	}
	value, _ := b.PortfolioValue(context.Background(), dec("100"))
	if !value.Equal(dec("150")) {
		t.Errorf("ledger must be untouched, value=%s", value)
	}
}

func TestSimulatedOpenPosition_RejectsPriceDeviation(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("110", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if res.OK || !errors.Is(res.Err, ErrPriceDeviation) {
		t.Fatalf("expected price deviation rejection, got %+v", res)
	}
}

func TestSimulatedUpdate_TPCloseSettlesAndLocksRunner(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	ctx := context.Background()
	open, err := b.OpenPosition(ctx, longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !open.OK {
		t.Fatalf("open failed: %v %+v", err, open)
	}

	res, err := b.UpdateAndClosePositions(ctx, open.Legs, priceAt("110", "10"))
	if err != nil {
		t.Fatalf("UpdateAndClosePositions returned error: %v", err)
	}
	if len(res.Executions) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(res.Executions))
	}
	exec := res.Executions[0]
	if !exec.OK || exec.Side != SideSell {
		t.Fatalf("expected successful sell, got %+v", exec)
	}
	if !exec.FillPrice.Equal(dec("109.89")) {
		t.Errorf("expected fill 109.89, got %s", exec.FillPrice)
	}
	if !exec.RealizedPnL.Equal(dec("9.79")) {
		t.Errorf("expected pnl 9.79, got %s", exec.RealizedPnL)
	}

	tp := findLeg(t, res.Legs, position.LegTP)
	runner := findLeg(t, res.Legs, position.LegRunner)
	if tp.IsOpen() {
		t.Errorf("expected TP leg closed")
	}
	if runner.TrailingStop == nil || !runner.TrailingStop.Equal(dec("102.5")) {
		t.Errorf("expected runner stop 102.5, got %v", runner.TrailingStop)
	}

	var locked bool
	for _, ch := range res.Changes {
		if ch.Kind == position.ChangeBreakevenLocked {
			locked = true
		}
	}
	if !locked {
		t.Errorf("expected breakeven lock change, got %+v", res.Changes)
	}
}

func TestSimulatedUpdate_FailedSettlementReopensLeg(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	legs, err := testEngine().Open(longAt("100", "10"), entryParams(testStrategy(), "SOL"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	// 账本中没有这些腿的基础资产，卖出必然失败。
	res, err := b.UpdateAndClosePositions(context.Background(), legs, priceAt("110", "10"))
	if err != nil {
		t.Fatalf("UpdateAndClosePositions returned error: %v", err)
	}
	if len(res.Executions) != 1 || res.Executions[0].OK {
		t.Fatalf("expected one failed execution, got %+v", res.Executions)
	}
	if !errors.Is(res.Executions[0].Err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", res.Executions[0].Err)
	}

	tp := findLeg(t, res.Legs, position.LegTP)
	runner := findLeg(t, res.Legs, position.LegRunner)
	if !tp.IsOpen() || tp.ClosePrice != nil || tp.CloseReason != "" {
		t.Errorf("expected TP leg reopened, got %+v", tp)
	}
	if runner.TrailingStop != nil {
		t.Errorf("expected runner lock reverted, got %s", runner.TrailingStop)
	}
	if runner.HighestPrice == nil || !runner.HighestPrice.Equal(dec("110")) {
		t.Errorf("expected highest price kept at 110, got %v", runner.HighestPrice)
	}
	for _, ch := range res.Changes {
		if ch.Kind == position.ChangeClosed || ch.Kind == position.ChangeBreakevenLocked {
			t.Errorf("unexpected change after failed settlement: %+v", ch)
		}
	}
}

func TestSimulatedTrimRunners_ClosesRunnerAtSignalPrice(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	ctx := context.Background()
	open, _ := b.OpenPosition(ctx, longAt("100", "10"), priceAt("100", "10"))

	short := signal.Signal{Asset: "SOL", Kind: signal.KindShort, Timestamp: t0, Price: dec("105"), ATR: dec("10")}
	res, err := b.TrimRunners(ctx, open.Legs, short, priceAt("105", "10"))
	if err != nil {
		t.Fatalf("TrimRunners returned error: %v", err)
	}
	if len(res.Executions) != 1 || !res.Executions[0].OK {
		t.Fatalf("expected one successful execution, got %+v", res.Executions)
	}
	runner := findLeg(t, res.Legs, position.LegRunner)
	if runner.IsOpen() || runner.CloseReason != position.ReasonTrim {
		t.Errorf("expected runner trimmed, got %+v", runner)
	}
	if !findLeg(t, res.Legs, position.LegTP).IsOpen() {
		t.Errorf("expected TP leg untouched")
	}
}

func TestSimulatedCloseLeg_SkipsClosedLeg(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	ctx := context.Background()
	open, _ := b.OpenPosition(ctx, longAt("100", "10"), priceAt("100", "10"))

	closed, exec, err := b.CloseLeg(ctx, open.Legs[0], priceAt("101", "10"), "manual")
	if err != nil || !exec.OK {
		t.Fatalf("first close failed: %v %+v", err, exec)
	}
	again, exec, err := b.CloseLeg(ctx, closed, priceAt("120", "10"), "manual")
	if err != nil {
		t.Fatalf("second close returned error: %v", err)
	}
	if !exec.Skipped {
		t.Errorf("expected skipped execution for closed leg")
	}
	if !again.ClosePrice.Equal(dec("101")) {
		t.Errorf("closed leg must not change, got %s", again.ClosePrice)
	}
	if got := len(b.Trades()); got != 3 {
		t.Errorf("expected 3 trades, got %d", got)
	}
}

func TestSimulatedAdopt_SeedsRestoredLegs(t *testing.T) {
	b := newTestSimulated(testBrokerConfig())
	legs, _ := testEngine().Open(longAt("100", "10"), entryParams(testStrategy(), "SOL"))

	b.Adopt(legs)
	b.Adopt(legs)

	sum, _ := b.Summary(context.Background(), dec("100"))
	if !sum.BaseBalance.Equal(dec("2")) {
		t.Fatalf("expected base balance 2 after adopt, got %s", sum.BaseBalance)
	}

	res, _ := b.UpdateAndClosePositions(context.Background(), legs, priceAt("110", "10"))
	if len(res.Executions) != 1 || !res.Executions[0].OK {
		t.Fatalf("expected adopted TP leg to settle, got %+v", res.Executions)
	}
}

func TestNew_SelectsMode(t *testing.T) {
	asset := config.AssetConfig{Symbol: "SOL", PrimarySettlement: "wSOL"}

	b, err := New(asset, testStrategy(), testBrokerConfig(), Deps{})
	if err != nil || b.Mode() != config.BrokerModeSimulated {
		t.Fatalf("expected simulated broker, got %v %v", b, err)
	}

	cfg := testBrokerConfig()
	cfg.Mode = config.BrokerModeLive
	if _, err := New(asset, testStrategy(), cfg, Deps{}); err == nil {
		t.Errorf("expected error for live mode without dependencies")
	}

	cfg.Mode = "paper"
	if _, err := New(asset, testStrategy(), cfg, Deps{}); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}
