package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"trades-engine/internal/broker"
	"trades-engine/internal/config"
)

// Portfolio 汇总所有资产 broker 的组合价值，供熔断器计算当日亏损比例。
type Portfolio struct {
	mu      sync.RWMutex
	brokers map[string]broker.Broker
	prices  map[string]decimal.Decimal
	order   []string
}

// NewPortfolio 创建空组合。
func NewPortfolio() *Portfolio {
	return &Portfolio{
		brokers: make(map[string]broker.Broker),
		prices:  make(map[string]decimal.Decimal),
	}
}

// Add 注册资产的 broker，重复注册会覆盖。
func (p *Portfolio) Add(asset string, b broker.Broker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := normalize(asset)
	if _, ok := p.brokers[key]; !ok {
		p.order = append(p.order, key)
	}
	p.brokers[key] = b
}

// Broker 返回资产对应的 broker。
func (p *Portfolio) Broker(asset string) (broker.Broker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.brokers[normalize(asset)]
	return b, ok
}

// Assets 返回已注册资产，顺序与注册一致。
func (p *Portfolio) Assets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// SetPrice 记录资产最新价格。
func (p *Portfolio) SetPrice(asset string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[normalize(asset)] = price
}

// Price 返回资产最新价格，未知时为 0。
func (p *Portfolio) Price(asset string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prices[normalize(asset)]
}

// Summaries 返回每个资产 broker 的账户汇总。
func (p *Portfolio) Summaries(ctx context.Context) ([]broker.Summary, error) {
	p.mu.RLock()
	assets := append([]string(nil), p.order...)
	brokers := make([]broker.Broker, len(assets))
	prices := make([]decimal.Decimal, len(assets))
	for i, a := range assets {
		brokers[i] = p.brokers[a]
		prices[i] = p.prices[a]
	}
	p.mu.RUnlock()

	out := make([]broker.Summary, 0, len(assets))
	for i, b := range brokers {
		s, err := b.Summary(ctx, prices[i])
		if err != nil {
			return nil, fmt.Errorf("trading: %s 账户汇总失败: %w", assets[i], err)
		}
		out = append(out, s)
	}
	return out, nil
}

// Value 返回组合总价值。模拟 broker 各自持有独立账本，报价余额逐个累加；
// 实盘 broker 共用同一钱包，报价余额只计一次。
func (p *Portfolio) Value(ctx context.Context) (decimal.Decimal, error) {
	summaries, err := p.Summaries(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	liveQuoteCounted := false
	for _, s := range summaries {
		base := s.PortfolioValue.Sub(s.QuoteBalance)
		total = total.Add(base)
		if s.Mode == config.BrokerModeLive {
			if liveQuoteCounted {
				continue
			}
			liveQuoteCounted = true
		}
		total = total.Add(s.QuoteBalance)
	}
	return total, nil
}

func normalize(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
