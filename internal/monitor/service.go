package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"trades-sentinel/internal/risk"
	"trades-sentinel/internal/store"
	"trades-sentinel/internal/trigger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const recordTimeout = 2 * time.Second

// Service 将触发单生命周期与运维操作写入审计表，仅用于追溯，不在启动时回放。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	return newService(store.DB(), logger)
}

func newService(db *sql.DB, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS journal_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_events_type ON journal_events(event_type);
CREATE INDEX IF NOT EXISTS idx_journal_events_symbol ON journal_events(symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_events (event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Symbol, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// RecordTransition 记录触发单状态变化，可直接注册为触发单观察者。
func (s *Service) RecordTransition(tr trigger.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	t := tr.Trigger
	if err := s.Record(ctx, Event{
		Type:      EventTriggerTransition,
		Symbol:    t.Symbol,
		Timestamp: t.UpdatedAt,
		Payload: TransitionPayload{
			TriggerID:      t.ID,
			Kind:           string(t.Kind),
			Direction:      string(t.Direction),
			From:           string(tr.From),
			To:             string(tr.To),
			Reason:         tr.Reason,
			TriggerPrice:   t.TriggerPrice,
			ReferencePrice: t.ReferencePrice,
			Size:           t.Size,
			OrderID:        t.OrderID,
			Episode:        t.Episode,
		},
	}); err != nil {
		s.logger.Warn("记录触发单事件失败", zap.String("trigger_id", t.ID), zap.Error(err))
	}
}

// RecordRiskConfig 记录风控参数变更。
func (s *Service) RecordRiskConfig(ctx context.Context, cfg risk.Config, removed bool, source string) {
	if err := s.Record(ctx, Event{
		Type:    EventRiskConfig,
		Symbol:  cfg.Symbol,
		Payload: RiskConfigPayload{Config: cfg, Removed: removed, Source: source},
	}); err != nil {
		s.logger.Warn("记录风控事件失败", zap.String("symbol", cfg.Symbol), zap.Error(err))
	}
}

// RecordEngineState 记录暂停与恢复。
func (s *Service) RecordEngineState(ctx context.Context, paused bool) {
	if err := s.Record(ctx, Event{
		Type:    EventEngineState,
		Payload: EngineStatePayload{Paused: paused},
	}); err != nil {
		s.logger.Warn("记录引擎状态失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, symbol, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:    EventError,
		Symbol:  symbol,
		Payload: payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按条件检索最近事件，最新的在前。
func (s *Service) ListEvents(ctx context.Context, filter Filter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, symbol, payload, created_at FROM journal_events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, filter.Symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id      int64
			typ     string
			symbol  string
			payload string
			created string
		)
		if scanErr := rows.Scan(&id, &typ, &symbol, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Time{}
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Symbol:    symbol,
			Timestamp: ts,
			Payload:   jsoniter.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}
