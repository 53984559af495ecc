package indicator

import (
	"errors"
	"math"
	"testing"
	"time"

	"trades-engine/internal/exchange"
	"trades-engine/internal/signal"
)

func flatCandles(n int, close float64) []exchange.Candle {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]exchange.Candle, n)
	for i := range candles {
		candles[i] = exchange.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      close,
			High:      close + 1,
			Low:       close - 1,
			Close:     close,
		}
	}
	return candles
}

func TestComputeRequiresEnoughCandles(t *testing.T) {
	calc := NewCalculator(Params{ATRPeriod: 14, FastPeriod: 12, SlowPeriod: 26})
	_, err := calc.Compute("SOL", flatCandles(20, 100))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestComputeATROnConstantRange(t *testing.T) {
	calc := NewCalculator(Params{ATRPeriod: 14})
	res, err := calc.Compute("SOL", flatCandles(30, 100))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if math.Abs(res.ATR-2) > 1e-9 {
		t.Fatalf("ATR = %v, want 2", res.ATR)
	}
	if res.Close != 100 {
		t.Fatalf("Close = %v, want 100", res.Close)
	}
	if res.Crossover() != signal.KindNone {
		t.Fatalf("expected no crossover without EMA periods")
	}

	pc := res.PriceContext("SOL")
	if pc.Price.String() != "100" || pc.Asset != "SOL" {
		t.Fatalf("unexpected price context %+v", pc)
	}
	if !pc.Timestamp.Equal(res.Timestamp) {
		t.Fatalf("timestamp mismatch")
	}
}

func TestComputeDetectsBullishCrossover(t *testing.T) {
	calc := NewCalculator(Params{ATRPeriod: 14, FastPeriod: 12, SlowPeriod: 26})
	candles := flatCandles(40, 100)
	last := &candles[len(candles)-1]
	last.Close, last.High = 130, 131

	res, err := calc.Compute("SOL", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if res.EMAFast <= res.EMASlow {
		t.Fatalf("fast EMA %v should exceed slow EMA %v", res.EMAFast, res.EMASlow)
	}

	sig, ok := res.Signal("SOL")
	if !ok || sig.Kind != signal.KindLong {
		t.Fatalf("expected LONG signal, got %+v ok=%v", sig, ok)
	}
	if sig.Price.String() != "130" {
		t.Fatalf("signal price = %s, want 130", sig.Price)
	}
	if err := sig.Validate(); err != nil {
		t.Fatalf("generated signal invalid: %v", err)
	}
}

func TestCrossoverDirections(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want signal.Kind
	}{
		{"cross up", Result{PrevEMAFast: 9, PrevEMASlow: 10, EMAFast: 11, EMASlow: 10}, signal.KindLong},
		{"cross down", Result{PrevEMAFast: 11, PrevEMASlow: 10, EMAFast: 9, EMASlow: 10}, signal.KindShort},
		{"stays above", Result{PrevEMAFast: 11, PrevEMASlow: 10, EMAFast: 12, EMASlow: 10}, signal.KindNone},
		{"nan", Result{PrevEMAFast: math.NaN(), EMAFast: 1}, signal.KindNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.res.Crossover(); got != tc.want {
				t.Fatalf("Crossover() = %s, want %s", got, tc.want)
			}
		})
	}
}
