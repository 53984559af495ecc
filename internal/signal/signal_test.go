package signal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestQueueIsFIFOPerAsset(t *testing.T) {
	q := NewQueue()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push(Signal{Asset: "sol", Kind: KindLong, Timestamp: ts})
	q.Push(Signal{Asset: "SOL", Kind: KindShort, Timestamp: ts.Add(time.Minute)})
	q.Push(Signal{Asset: "ETH", Kind: KindLong, Timestamp: ts})

	first, ok, err := q.Next(context.Background(), "SOL")
	if err != nil || !ok {
		t.Fatalf("Next returned ok=%v err=%v", ok, err)
	}
	if first.Kind != KindLong {
		t.Fatalf("first kind = %s, want LONG", first.Kind)
	}
	second, _, _ := q.Next(context.Background(), "sol")
	if second.Kind != KindShort {
		t.Fatalf("second kind = %s, want SHORT", second.Kind)
	}
	if _, ok, _ := q.Next(context.Background(), "SOL"); ok {
		t.Fatalf("expected empty queue for SOL")
	}
	if q.Len("ETH") != 1 {
		t.Fatalf("ETH queue should be untouched")
	}
}

func TestDecodeNormalizesKind(t *testing.T) {
	sig, err := Decode([]byte(`{"asset":"sol","kind":"long","price":"101.5","atr":"2"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if sig.Kind != KindLong || sig.Asset != "SOL" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if !sig.Price.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("price = %s", sig.Price)
	}

	other, err := Decode([]byte(`{"asset":"SOL","kind":"sideways"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if other.Kind != KindNone {
		t.Fatalf("unknown kind should map to NONE, got %s", other.Kind)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		sig     Signal
		wantErr bool
	}{
		{"long ok", Signal{Asset: "SOL", Kind: KindLong, Price: decimal.NewFromInt(10), ATR: decimal.NewFromInt(1)}, false},
		{"none without price", Signal{Asset: "SOL", Kind: KindNone}, false},
		{"missing asset", Signal{Kind: KindLong, Price: decimal.NewFromInt(10)}, true},
		{"zero price", Signal{Asset: "SOL", Kind: KindShort}, true},
		{"negative atr", Signal{Asset: "SOL", Kind: KindLong, Price: decimal.NewFromInt(10), ATR: decimal.NewFromInt(-1)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sig.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
