package signal

import (
	"context"
	"strings"
	"sync"
)

// Source 为每个资产提供待处理信号。没有新信号时 ok 为 false。
type Source interface {
	Next(ctx context.Context, asset string) (sig Signal, ok bool, err error)
}

// Queue 是进程内的 FIFO 信号源，用于回测和测试，也可由外部指标模块直接推送。
type Queue struct {
	mu      sync.Mutex
	pending map[string][]Signal
}

var _ Source = (*Queue)(nil)

// NewQueue 创建空队列。
func NewQueue() *Queue {
	return &Queue{pending: make(map[string][]Signal)}
}

// Push 追加信号，资产名不区分大小写。
func (q *Queue) Push(sig Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.ToUpper(sig.Asset)
	q.pending[key] = append(q.pending[key], sig)
}

// Next 弹出该资产最早的信号。
func (q *Queue) Next(_ context.Context, asset string) (Signal, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := strings.ToUpper(asset)
	list := q.pending[key]
	if len(list) == 0 {
		return Signal{}, false, nil
	}
	sig := list[0]
	q.pending[key] = list[1:]
	return sig, true, nil
}

// Len 返回某资产剩余信号数量。
func (q *Queue) Len(asset string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[strings.ToUpper(asset)])
}
