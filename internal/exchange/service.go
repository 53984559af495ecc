package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trades-engine/internal/config"
)

// candleFetcher 由 Client 实现。
type candleFetcher interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
}

// MarketDataService 按配置的周期拉取各资产 K 线。
type MarketDataService struct {
	client    candleFetcher
	timeframe string
	limit     int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client candleFetcher, cfg config.ExchangeConfig, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := int64(cfg.CandleLimit)
	if limit <= 0 {
		limit = 100
	}
	timeframe := cfg.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}
	return &MarketDataService{
		client:    client,
		timeframe: timeframe,
		limit:     limit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetSnapshot 拉取单个资产的 K 线快照。MarketSymbol 为空时使用 Symbol。
func (s *MarketDataService) GetSnapshot(ctx context.Context, asset config.AssetConfig) (MarketSnapshot, error) {
	symbol := asset.MarketSymbol
	if symbol == "" {
		symbol = asset.Symbol
	}
	candles, err := s.client.FetchCandles(ctx, symbol, s.timeframe, s.limit)
	if err != nil {
		return MarketSnapshot{}, err
	}

	snapshot := MarketSnapshot{
		Asset:       asset.Symbol,
		Symbol:      symbol,
		Timeframe:   s.timeframe,
		Candles:     candles,
		RetrievedAt: s.now(),
	}
	s.logger.Debug("市场数据快照获取完成",
		zap.String("asset", asset.Symbol),
		zap.String("symbol", symbol),
		zap.Int("candle_count", len(candles)),
	)
	return snapshot, nil
}

// GetSnapshots 并发拉取多个资产的快照。单个资产失败不会取消其它资产，
// 失败资产的错误以资产名为键返回。
func (s *MarketDataService) GetSnapshots(ctx context.Context, assets []config.AssetConfig) (map[string]MarketSnapshot, map[string]error) {
	var (
		mu        sync.Mutex
		snapshots = make(map[string]MarketSnapshot, len(assets))
		failures  = make(map[string]error)
	)

	var group errgroup.Group
	for _, asset := range assets {
		asset := asset
		group.Go(func() error {
			snap, err := s.GetSnapshot(ctx, asset)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[asset.Symbol] = err
				return nil
			}
			snapshots[asset.Symbol] = snap
			return nil
		})
	}
	_ = group.Wait()
	return snapshots, failures
}
