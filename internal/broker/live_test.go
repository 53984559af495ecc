package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trades-engine/internal/config"
	"trades-engine/internal/market"
	"trades-engine/internal/position"
)

type fakeVenue struct {
	mu             sync.Mutex
	quotes         map[string][]market.Quote
	requests       []market.QuoteRequest
	balances       map[string]uint64
	submitFailures int
	submitted      int
	lastBuilt      market.Quote
	confirmOut     *uint64
	pending        int
	confirmCalls   int
	credit         uint64
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		quotes:   make(map[string][]market.Quote),
		balances: make(map[string]uint64),
	}
}

func (f *fakeVenue) setQuotes(in, out string, quotes ...market.Quote) {
	f.quotes[in+">"+out] = quotes
}

func (f *fakeVenue) Quote(_ context.Context, req market.QuoteRequest) (market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	key := req.InputAsset + ">" + req.OutputAsset
	list := f.quotes[key]
	if len(list) == 0 {
		return market.Quote{}, fmt.Errorf("no route %s: %w", key, market.ErrQuoteUnavailable)
	}
	q := list[0]
	if len(list) > 1 {
		f.quotes[key] = list[1:]
	}
	q.InputAsset = req.InputAsset
	q.OutputAsset = req.OutputAsset
	q.InAmount = req.Amount
	return q, nil
}

func (f *fakeVenue) BuildSwap(_ context.Context, quote market.Quote, _ string) (market.UnsignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBuilt = quote
	return market.UnsignedTx{Payload: []byte("swap"), Quote: quote}, nil
}

func (f *fakeVenue) Submit(context.Context, market.SignedTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	if f.submitFailures > 0 {
		f.submitFailures--
		return "", errors.New("rpc unavailable")
	}
	return fmt.Sprintf("sig-%d", f.submitted), nil
}

func (f *fakeVenue) Confirm(_ context.Context, signature string) (market.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.pending > 0 {
		f.pending--
		return market.Confirmation{Signature: signature}, nil
	}
	f.balances[f.lastBuilt.OutputAsset] += f.credit
	out := f.lastBuilt.OutAmount
	if f.confirmOut != nil {
		out = *f.confirmOut
	}
	return market.Confirmation{Signature: signature, Confirmed: true, OutAmount: out}, nil
}

func (f *fakeVenue) Balance(_ context.Context, _ string, asset string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[asset], nil
}

type fakeSigner struct{}

func (fakeSigner) Address() string { return "owner" }

func (fakeSigner) SignTx(tx market.UnsignedTx) (market.SignedTx, error) {
	return market.SignedTx{Payload: tx.Payload, Signature: []byte{1}, Signer: "owner"}, nil
}

func testAsset() config.AssetConfig {
	return config.AssetConfig{Symbol: "SOL", PrimarySettlement: "wSOL", SecondarySettlement: "SOL"}
}

func newTestLive(venue *fakeVenue) *Live {
	cfg := testBrokerConfig()
	cfg.Mode = config.BrokerModeLive
	decimals := market.NewDecimals(nil, map[string]int32{"USDC": 6, "wSOL": 9, "SOL": 9})
	return NewLive(testAsset(), testStrategy(), cfg, venue, decimals, fakeSigner{},
		WithEngine(testEngine()),
		WithClock(func() time.Time { return t0 }),
		WithSleep(noSleep),
	)
}

func quoteOut(out uint64, impact string) market.Quote {
	return market.Quote{OutAmount: out, PriceImpactPercent: dec(impact)}
}

func TestLiveOpenPosition_FallsBackToSecondarySettlement(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "SOL", quoteOut(2_000_000_000, "0.1"))
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected successful open, got %+v", res)
	}
	for _, leg := range res.Legs {
		if leg.SettlementAsset != "SOL" {
			t.Errorf("expected settlement SOL, got %s", leg.SettlementAsset)
		}
		if !leg.EntryPrice.Equal(dec("100")) {
			t.Errorf("expected entry price from fill 100, got %s", leg.EntryPrice)
		}
		if !leg.Quantity.Equal(dec("1")) {
			t.Errorf("expected quantity 1, got %s", leg.Quantity)
		}
	}
	if res.Execution.Signature == "" {
		t.Errorf("expected signature on execution")
	}
	if venue.requests[0].OutputAsset != "wSOL" || venue.requests[0].Amount != 200_000_000 {
		t.Errorf("expected primary quote for 200 USDC first, got %+v", venue.requests[0])
	}
}

func TestLiveOpenPosition_UsesRealizedFillAsEntry(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	out := uint64(1_600_000_000)
	venue.confirmOut = &out
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !res.OK {
		t.Fatalf("open failed: %v %+v", err, res)
	}
	if !res.Legs[0].EntryPrice.Equal(dec("125")) {
		t.Errorf("expected entry price 125, got %s", res.Legs[0].EntryPrice)
	}
	if !res.Legs[0].TargetPrice.Equal(dec("135")) {
		t.Errorf("expected target 135, got %s", res.Legs[0].TargetPrice)
	}
	if res.Legs[0].SettlementAsset != "wSOL" {
		t.Errorf("expected primary settlement, got %s", res.Legs[0].SettlementAsset)
	}
}

func TestLiveOpenPosition_RejectsInsufficientBalance(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 204_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if res.OK || !errors.Is(res.Err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %+v", res)
	}
	if len(venue.requests) != 0 {
		t.Errorf("expected no quote requests, got %d", len(venue.requests))
	}
}

func TestLiveOpenPosition_RejectsHighImpactOnBothSettlements(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "1.5"))
	venue.setQuotes("USDC", "SOL", quoteOut(2_000_000_000, "3"))
	b := newTestLive(venue)

	res, _ := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if res.OK || !errors.Is(res.Err, ErrPriceImpactTooHigh) {
		t.Fatalf("expected price impact rejection, got %+v", res)
	}
	if venue.submitted != 0 {
		t.Errorf("expected no submission, got %d", venue.submitted)
	}
}

func TestLiveOpenPosition_RejectsDegradedQuote(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL",
		quoteOut(2_000_000_000, "0.1"),
		quoteOut(1_980_000_000, "0.1"),
	)
	b := newTestLive(venue)

	res, _ := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if res.OK || !errors.Is(res.Err, ErrQuoteDegraded) {
		t.Fatalf("expected degraded quote rejection, got %+v", res)
	}
	if venue.submitted != 0 {
		t.Errorf("expected no submission, got %d", venue.submitted)
	}
}

func TestLiveOpenPosition_RetriesSubmission(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	venue.submitFailures = 2
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !res.OK {
		t.Fatalf("expected open to succeed after retries: %v %+v", err, res)
	}
	if res.Execution.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Execution.Attempts)
	}
}

func TestLiveClose_UsesRecordedSettlementAsset(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["SOL"] = 2_000_000_000
	venue.setQuotes("SOL", "USDC", quoteOut(110_000_000, "0.1"))
	b := newTestLive(venue)

	legs, _ := testEngine().Open(longAt("100", "10"), entryParams(testStrategy(), "SOL"))
	res, err := b.UpdateAndClosePositions(context.Background(), legs, priceAt("110", "10"))
	if err != nil {
		t.Fatalf("UpdateAndClosePositions returned error: %v", err)
	}
	if len(res.Executions) != 1 || !res.Executions[0].OK {
		t.Fatalf("expected one successful execution, got %+v", res.Executions)
	}
	exec := res.Executions[0]
	if !exec.FillPrice.Equal(dec("110")) || !exec.RealizedPnL.Equal(dec("10")) {
		t.Errorf("expected fill 110 pnl 10, got %s %s", exec.FillPrice, exec.RealizedPnL)
	}
	if venue.requests[0].InputAsset != "SOL" || venue.requests[0].Amount != 1_000_000_000 {
		t.Errorf("expected SOL sell of 1e9 atomic, got %+v", venue.requests[0])
	}
}

func TestLiveClose_TransactionFailureReopensLeg(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["SOL"] = 2_000_000_000
	venue.setQuotes("SOL", "USDC", quoteOut(110_000_000, "0.1"))
	venue.submitFailures = 10
	b := newTestLive(venue)

	legs, _ := testEngine().Open(longAt("100", "10"), entryParams(testStrategy(), "SOL"))
	res, _ := b.UpdateAndClosePositions(context.Background(), legs, priceAt("110", "10"))
	if len(res.Executions) != 1 {
		t.Fatalf("expected one execution, got %d", len(res.Executions))
	}
	exec := res.Executions[0]
	if exec.OK || !errors.Is(exec.Err, ErrTransactionFailed) {
		t.Fatalf("expected transaction failure, got %+v", exec)
	}
	if exec.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", exec.Attempts)
	}
	if !findLeg(t, res.Legs, position.LegTP).IsOpen() {
		t.Errorf("expected TP leg reopened")
	}
	if findLeg(t, res.Legs, position.LegRunner).TrailingStop != nil {
		t.Errorf("expected runner lock reverted")
	}
}

func TestLiveClose_LegacyLegFallsBackToPrimary(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["wSOL"] = 1_000_000_000
	venue.setQuotes("wSOL", "USDC", quoteOut(95_000_000, "0.1"))
	b := newTestLive(venue)

	legs, _ := testEngine().Open(longAt("100", "10"), entryParams(testStrategy(), ""))
	_, exec, err := b.CloseLeg(context.Background(), legs[1], priceAt("95", "10"), "manual")
	if err != nil || !exec.OK {
		t.Fatalf("close failed: %v %+v", err, exec)
	}
	if venue.requests[0].InputAsset != "wSOL" {
		t.Errorf("expected primary settlement for legacy leg, got %s", venue.requests[0].InputAsset)
	}
	if !exec.RealizedPnL.Equal(dec("-5")) {
		t.Errorf("expected pnl -5, got %s", exec.RealizedPnL)
	}
}

func TestLiveSummary_ValuesSettlementBalances(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 50_000_000
	venue.balances["wSOL"] = 1_000_000_000
	venue.balances["SOL"] = 500_000_000
	b := newTestLive(venue)

	sum, err := b.Summary(context.Background(), dec("100"))
	if err != nil {
		t.Fatalf("Summary returned error: %v", err)
	}
	if !sum.BaseBalance.Equal(dec("1.5")) || !sum.PortfolioValue.Equal(dec("200")) {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestLiveOpenPosition_WaitsForPendingConfirmation(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	venue.pending = 2
	cfg := testBrokerConfig()
	cfg.Mode = config.BrokerModeLive
	cfg.ConfirmTimeout = 10 * time.Second
	cfg.ConfirmPollInterval = time.Second
	var waits []time.Duration
	b := NewLive(testAsset(), testStrategy(), cfg, venue,
		market.NewDecimals(nil, map[string]int32{"USDC": 6, "wSOL": 9, "SOL": 9}), fakeSigner{},
		WithEngine(testEngine()),
		WithClock(func() time.Time { return t0 }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}),
	)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !res.OK {
		t.Fatalf("expected open to succeed: %v %+v", err, res)
	}
	if venue.submitted != 1 {
		t.Fatalf("pending swap must not be resubmitted, submitted %d times", venue.submitted)
	}
	if venue.confirmCalls != 3 {
		t.Errorf("expected 3 confirmation polls, got %d", venue.confirmCalls)
	}
	if res.Execution.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Execution.Attempts)
	}
	if len(waits) != 2 || waits[0] != time.Second {
		t.Errorf("expected two 1s poll waits, got %v", waits)
	}
}

func TestLiveOpenPosition_ResubmitsAfterConfirmTimeout(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	venue.pending = 3
	cfg := testBrokerConfig()
	cfg.Mode = config.BrokerModeLive
	cfg.ConfirmTimeout = 3 * time.Second
	cfg.ConfirmPollInterval = time.Second
	b := NewLive(testAsset(), testStrategy(), cfg, venue,
		market.NewDecimals(nil, map[string]int32{"USDC": 6, "wSOL": 9, "SOL": 9}), fakeSigner{},
		WithEngine(testEngine()),
		WithClock(func() time.Time { return t0 }),
		WithSleep(noSleep),
	)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !res.OK {
		t.Fatalf("expected open to succeed on second submission: %v %+v", err, res)
	}
	if venue.submitted != 2 {
		t.Errorf("expected resubmission only after expiry, submitted %d times", venue.submitted)
	}
	if res.Execution.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Execution.Attempts)
	}
}

func TestLiveOpenPosition_MeasuresFillFromBalanceChange(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.balances["wSOL"] = 500_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	zero := uint64(0)
	venue.confirmOut = &zero
	venue.credit = 1_600_000_000
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil || !res.OK {
		t.Fatalf("open failed: %v %+v", err, res)
	}
	if !res.Legs[0].EntryPrice.Equal(dec("125")) {
		t.Errorf("expected entry price 125 from balance change, got %s", res.Legs[0].EntryPrice)
	}
	if !res.Execution.Quantity.Equal(dec("1.6")) {
		t.Errorf("expected received 1.6, got %s", res.Execution.Quantity)
	}
}

func TestLiveOpenPosition_UnknownFillIsRejected(t *testing.T) {
	venue := newFakeVenue()
	venue.balances["USDC"] = 1_000_000_000
	venue.setQuotes("USDC", "wSOL", quoteOut(2_000_000_000, "0.1"))
	zero := uint64(0)
	venue.confirmOut = &zero
	b := newTestLive(venue)

	res, err := b.OpenPosition(context.Background(), longAt("100", "10"), priceAt("100", "10"))
	if err != nil {
		t.Fatalf("OpenPosition returned error: %v", err)
	}
	if res.OK || !errors.Is(res.Err, ErrFillUnknown) {
		t.Fatalf("expected unknown fill rejection, got %+v", res)
	}
	if len(res.Legs) != 0 {
		t.Errorf("expected no legs, got %d", len(res.Legs))
	}
}
