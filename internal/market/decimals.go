package market

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals 缓存资产精度并负责人类可读数量与最小单位之间的换算。
// 由 app 构建一次并注入所有实盘 broker。
type Decimals struct {
	mu      sync.RWMutex
	cache   map[string]int32
	fetcher DecimalsFetcher
}

// NewDecimals 创建精度缓存，preset 中的值不会再向 fetcher 查询。
func NewDecimals(fetcher DecimalsFetcher, preset map[string]int32) *Decimals {
	cache := make(map[string]int32, len(preset))
	for k, v := range preset {
		cache[k] = v
	}
	return &Decimals{cache: cache, fetcher: fetcher}
}

// Get 返回资产精度。
func (d *Decimals) Get(ctx context.Context, asset string) (int32, error) {
	d.mu.RLock()
	v, ok := d.cache[asset]
	d.mu.RUnlock()
	if ok {
		return v, nil
	}
	if d.fetcher == nil {
		return 0, fmt.Errorf("market: 资产 %s 精度未知", asset)
	}

	v, err := d.fetcher.Decimals(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("market: 查询 %s 精度失败: %w", asset, err)
	}
	if v < 0 || v > 18 {
		return 0, fmt.Errorf("market: 资产 %s 精度 %d 超出范围", asset, v)
	}

	d.mu.Lock()
	d.cache[asset] = v
	d.mu.Unlock()
	return v, nil
}

// ToAtomic 将数量换算为最小单位，向下取整。
func (d *Decimals) ToAtomic(ctx context.Context, asset string, amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("market: 数量不能为负: %s", amount)
	}
	places, err := d.Get(ctx, asset)
	if err != nil {
		return 0, err
	}
	atomic := amount.Shift(places).Floor()
	if atomic.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, fmt.Errorf("market: 数量 %s 超出范围", amount)
	}
	return atomic.BigInt().Uint64(), nil
}

// FromAtomic 将最小单位换算为数量。
func (d *Decimals) FromAtomic(ctx context.Context, asset string, amount uint64) (decimal.Decimal, error) {
	places, err := d.Get(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromUint64(amount).Shift(-places), nil
}
