package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSource 从 Redis 列表读取信号，生产者 RPUSH，消费者 LPOP，保证单资产内顺序。
type RedisSource struct {
	rdb    redis.Cmdable
	prefix string
	logger *zap.Logger
}

var _ Source = (*RedisSource)(nil)

// NewRedisSource 创建 Redis 信号源，prefix 为空时使用 "signals:"。
func NewRedisSource(rdb redis.Cmdable, prefix string, logger *zap.Logger) *RedisSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "signals:"
	}
	return &RedisSource{rdb: rdb, prefix: prefix, logger: logger}
}

// Key 返回资产对应的列表键。
func (s *RedisSource) Key(asset string) string {
	return s.prefix + strings.ToUpper(asset)
}

// Next 弹出下一条信号。无法解析的消息会被丢弃并记录日志，不阻塞后续信号。
func (s *RedisSource) Next(ctx context.Context, asset string) (Signal, bool, error) {
	for {
		payload, err := s.rdb.LPop(ctx, s.Key(asset)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return Signal{}, false, nil
			}
			return Signal{}, false, fmt.Errorf("signal: redis lpop %s: %w", asset, err)
		}

		sig, err := Decode(payload)
		if err != nil {
			s.logger.Warn("丢弃无法解析的信号",
				zap.String("asset", asset),
				zap.ByteString("payload", payload),
				zap.Error(err),
			)
			continue
		}
		if sig.Asset == "" {
			sig.Asset = asset
		}
		return sig, true, nil
	}
}

// Publish 将信号写入对应资产的列表。
func (s *RedisSource) Publish(ctx context.Context, sig Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("signal: encode: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.Key(sig.Asset), payload).Err(); err != nil {
		return fmt.Errorf("signal: redis rpush %s: %w", sig.Asset, err)
	}
	return nil
}

// Decode 解析 JSON 信号并规范化方向字段。
func Decode(payload []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return Signal{}, fmt.Errorf("signal: decode: %w", err)
	}
	sig.Kind = ParseKind(string(sig.Kind))
	sig.Asset = strings.ToUpper(sig.Asset)
	return sig, nil
}
