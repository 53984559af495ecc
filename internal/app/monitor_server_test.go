package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trades-engine/internal/breaker"
	"trades-engine/internal/broker"
	"trades-engine/internal/config"
	"trades-engine/internal/journal"
	"trades-engine/internal/metrics"
	"trades-engine/internal/risk"
	"trades-engine/internal/trading"
)

type fakeEvents struct {
	last journal.Query
}

func (f *fakeEvents) ListEvents(_ context.Context, q journal.Query) ([]journal.Event, error) {
	f.last = q
	return []journal.Event{{Type: journal.EventLegClosed, Asset: "SOL"}}, nil
}

func newTestMonitor(t *testing.T) (*monitorServer, *fakeEvents) {
	t.Helper()
	portfolio := trading.NewPortfolio()
	portfolio.Add("SOL", broker.NewSimulated("SOL", config.StrategyConfig{UnitAmount: decimal.NewFromInt(100)}, config.BrokerConfig{
		Mode:                config.BrokerModeSimulated,
		InitialQuoteBalance: decimal.NewFromInt(1000),
	}))
	portfolio.SetPrice("SOL", decimal.NewFromInt(100))

	events := &fakeEvents{}
	return &monitorServer{
		events:    events,
		portfolio: portfolio,
		gate:      risk.NewGate(config.RiskConfig{MaxPositionsPerAsset: 1, MaxTotalPositions: 1}, []string{"SOL"}, nil),
		breaker: breaker.New(config.BreakerConfig{
			MaxDailyLossPercent:  decimal.NewFromInt(5),
			MaxConsecutiveLosses: 1,
			MaxDailyTrades:       10,
		}),
		metrics: metrics.New("test"),
		logger:  zap.NewNop(),
	}, events
}

func TestMonitorEventsQuery(t *testing.T) {
	s, events := newTestMonitor(t)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=LEG_CLOSED&asset=sol&limit=5000", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if events.last.Type != journal.EventLegClosed || events.last.Asset != "SOL" || events.last.Limit != 1000 {
		t.Fatalf("unexpected query %+v", events.last)
	}
	var got []journal.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || len(got) != 1 {
		t.Fatalf("unexpected body %s (%v)", rec.Body.String(), err)
	}
}

func TestMonitorStatus(t *testing.T) {
	s, _ := newTestMonitor(t)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp struct {
		Status string `json:"status"`
		Assets []struct {
			Asset   string `json:"asset"`
			Price   string `json:"price"`
			Account struct {
				Mode           string `json:"mode"`
				PortfolioValue string `json:"portfolio_value"`
			} `json:"account"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Status != string(breaker.StatusActive) {
		t.Fatalf("status = %s, want ACTIVE", resp.Status)
	}
	if len(resp.Assets) != 1 || resp.Assets[0].Asset != "SOL" || resp.Assets[0].Price != "100" {
		t.Fatalf("unexpected assets %+v", resp.Assets)
	}
	if resp.Assets[0].Account.Mode != config.BrokerModeSimulated || resp.Assets[0].Account.PortfolioValue != "1000" {
		t.Fatalf("unexpected account %+v", resp.Assets[0].Account)
	}
}

func TestMonitorBreakerReset(t *testing.T) {
	s, _ := newTestMonitor(t)
	ctx := context.Background()
	if _, err := s.breaker.RecordTrade(ctx, decimal.NewFromInt(-1), decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("RecordTrade returned error: %v", err)
	}
	if !s.breaker.Tripped() {
		t.Fatalf("breaker should be tripped after a loss with max_consecutive_losses=1")
	}

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/breaker/reset", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breaker/reset", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d", rec.Code)
	}
	if s.breaker.Tripped() {
		t.Fatalf("breaker should be reset")
	}
}

func TestMonitorMetricsEndpoint(t *testing.T) {
	s, _ := newTestMonitor(t)
	s.metrics.SetBreakerTripped(true)
	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "test_breaker_tripped 1") {
		t.Fatalf("metrics output missing breaker gauge:\n%s", rec.Body.String())
	}
}
