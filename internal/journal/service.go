package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trades-engine/internal/store"
)

// Service 将审计事件持久化到 SQLite。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Journal = (*Service)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS journal_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	asset TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_type ON journal_events(event_type);
CREATE INDEX IF NOT EXISTS idx_journal_events_asset ON journal_events(asset);
`

// NewService 初始化审计服务并创建表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("journal: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate(ctx, schema); err != nil {
		return nil, fmt.Errorf("journal: 初始化表失败: %w", err)
	}
	return &Service{db: st.DB(), logger: logger}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("journal: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_events (event_type, asset, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Asset, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: 写入事件失败: %w", err)
	}
	return nil
}

// Query 描述事件检索条件，空字段表示不过滤。
type Query struct {
	Type  EventType
	Asset string
	Limit int
}

// ListEvents 按条件检索最近事件，Payload 以 json.RawMessage 返回。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `SELECT event_type, asset, payload, created_at FROM journal_events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Asset != "" {
		query += ` AND asset = ?`
		args = append(args, q.Asset)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, q.Limit)
	for rows.Next() {
		var typ, asset, payload, created string
		if err := rows.Scan(&typ, &asset, &payload, &created); err != nil {
			return nil, fmt.Errorf("journal: 解析事件失败: %w", err)
		}
		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			s.logger.Warn("事件时间格式异常", zap.String("created_at", created))
		}
		events = append(events, Event{
			Type:      EventType(typ),
			Asset:     asset,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: 读取事件失败: %w", err)
	}
	return events, nil
}
