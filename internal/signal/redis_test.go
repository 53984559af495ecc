package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// fakeLists 只实现 RedisSource 用到的列表命令。
type fakeLists struct {
	redis.Cmdable
	mu    sync.Mutex
	lists map[string][]string
	err   error
}

func newFakeLists() *fakeLists {
	return &fakeLists{lists: make(map[string][]string)}
}

func (f *fakeLists) LPop(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	list := f.lists[key]
	if len(list) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	f.lists[key] = list[1:]
	return redis.NewStringResult(list[0], nil)
}

func (f *fakeLists) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		switch p := v.(type) {
		case []byte:
			f.lists[key] = append(f.lists[key], string(p))
		case string:
			f.lists[key] = append(f.lists[key], p)
		}
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func TestRedisSourcePublishThenNext(t *testing.T) {
	rdb := newFakeLists()
	src := NewRedisSource(rdb, "", nil)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := src.Publish(ctx, Signal{Asset: "SOL", Kind: KindLong, Timestamp: ts, Price: decimal.NewFromInt(100), ATR: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := src.Publish(ctx, Signal{Asset: "SOL", Kind: KindShort, Timestamp: ts.Add(time.Hour), Price: decimal.NewFromInt(90)}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if got := len(rdb.lists["signals:SOL"]); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}

	first, ok, err := src.Next(ctx, "sol")
	if err != nil || !ok {
		t.Fatalf("Next returned ok=%v err=%v", ok, err)
	}
	if first.Kind != KindLong || !first.Price.Equal(decimal.NewFromInt(100)) || !first.Timestamp.Equal(ts) {
		t.Fatalf("unexpected first signal %+v", first)
	}
	second, _, _ := src.Next(ctx, "SOL")
	if second.Kind != KindShort {
		t.Fatalf("second kind = %s, want SHORT", second.Kind)
	}
	if _, ok, err := src.Next(ctx, "SOL"); ok || err != nil {
		t.Fatalf("expected empty list, got ok=%v err=%v", ok, err)
	}
}

func TestRedisSourceDropsMalformedPayload(t *testing.T) {
	rdb := newFakeLists()
	rdb.lists["signals:ETH"] = []string{"not json", `{"kind":"long","price":"2000"}`}
	src := NewRedisSource(rdb, "", nil)

	sig, ok, err := src.Next(context.Background(), "ETH")
	if err != nil || !ok {
		t.Fatalf("Next returned ok=%v err=%v", ok, err)
	}
	if sig.Kind != KindLong || sig.Asset != "ETH" {
		t.Fatalf("unexpected signal %+v", sig)
	}
	if len(rdb.lists["signals:ETH"]) != 0 {
		t.Fatalf("malformed payload should be consumed")
	}
}

func TestRedisSourceReturnsConnectionErrors(t *testing.T) {
	rdb := newFakeLists()
	rdb.err = errors.New("connection refused")
	src := NewRedisSource(rdb, "", nil)

	if _, ok, err := src.Next(context.Background(), "SOL"); ok || err == nil {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}
