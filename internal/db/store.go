package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
)

// Store persists conversation state in SQLite using GORM.
type Store struct {
	db     *gorm.DB
	dbPath string
}

// NewStore opens (or creates) the SQLite database under baseDir and migrates
// the schema.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	dbPath := filepath.Join(baseDir, "luthien.db")
	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&ConversationCall{},
		&ConversationEvent{},
		&ConversationToolCall{},
		&DebugLog{},
	); err != nil {
		return nil, fmt.Errorf("migrate conversation database: %w", err)
	}
	logrus.Debugf("Conversation store ready at %s", dbPath)
	return &Store{db: gdb, dbPath: dbPath}, nil
}

// UpsertCall creates the call row on first sight and bumps updated_at after.
func (s *Store) UpsertCall(callID, traceID string) error {
	now := time.Now().UTC()
	var call ConversationCall
	err := s.db.Where("call_id = ?", callID).First(&call).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		call = ConversationCall{CallID: callID, TraceID: traceID, StartedAt: now, UpdatedAt: now}
		if err := s.db.Create(&call).Error; err != nil {
			return fmt.Errorf("create call %s: %w", callID, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup call %s: %w", callID, err)
	}
	updates := map[string]interface{}{"updated_at": now}
	if call.TraceID == "" && traceID != "" {
		updates["trace_id"] = traceID
	}
	if err := s.db.Model(&ConversationCall{}).Where("call_id = ?", callID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update call %s: %w", callID, err)
	}
	return nil
}

// CompleteCall stamps completed_at.
func (s *Store) CompleteCall(callID string) error {
	now := time.Now().UTC()
	err := s.db.Model(&ConversationCall{}).Where("call_id = ?", callID).Updates(map[string]interface{}{
		"completed_at": now,
		"updated_at":   now,
	}).Error
	if err != nil {
		return fmt.Errorf("complete call %s: %w", callID, err)
	}
	return nil
}

// InsertEvent appends one conversation event, creating the call row if the
// event arrives first.
func (s *Store) InsertEvent(ev *events.Event) error {
	if err := s.UpsertCall(ev.CallID, ev.TraceID); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	row := ConversationEvent{
		EventID:   ev.ID,
		CallID:    ev.CallID,
		TraceID:   ev.TraceID,
		EventType: string(ev.Type),
		Hook:      ev.Hook,
		Sequence:  ev.Sequence,
		Payload:   string(payload),
		CreatedAt: ev.Timestamp,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert event for call %s: %w", ev.CallID, err)
	}
	if ev.Type == events.TypeRequestCompleted {
		return s.CompleteCall(ev.CallID)
	}
	return nil
}

// EventsForCall returns the call's events in (sequence, created_at,
// event_type) order.
func (s *Store) EventsForCall(callID string) ([]*events.Event, error) {
	var rows []ConversationEvent
	err := s.db.Where("call_id = ?", callID).
		Order("sequence ASC, created_at ASC, event_type ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load events for call %s: %w", callID, err)
	}
	out := make([]*events.Event, 0, len(rows))
	for _, row := range rows {
		ev := &events.Event{
			ID:        row.EventID,
			CallID:    row.CallID,
			TraceID:   row.TraceID,
			Type:      events.Type(row.EventType),
			Sequence:  row.Sequence,
			Timestamp: row.CreatedAt,
			Hook:      row.Hook,
		}
		if row.Payload != "" {
			if err := json.Unmarshal([]byte(row.Payload), &ev.Payload); err != nil {
				logrus.Warnf("Skipping malformed payload on event %s: %v", row.EventID, err)
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// RecentCallIDs lists call ids by most recent activity.
func (s *Store) RecentCallIDs(limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []string
	err := s.db.Model(&ConversationCall{}).
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Pluck("call_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list recent calls: %w", err)
	}
	return ids, nil
}

// Call fetches one call row.
func (s *Store) Call(callID string) (*ConversationCall, error) {
	var call ConversationCall
	if err := s.db.Where("call_id = ?", callID).First(&call).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup call %s: %w", callID, err)
	}
	return &call, nil
}

// PreviousCall returns the trace's most recent call started before the
// given time, or nil when this is the first.
func (s *Store) PreviousCall(traceID string, before time.Time) (*ConversationCall, error) {
	if traceID == "" {
		return nil, nil
	}
	var call ConversationCall
	err := s.db.Where("trace_id = ? AND started_at < ?", traceID, before).
		Order("started_at DESC").
		First(&call).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup previous call in trace %s: %w", traceID, err)
	}
	return &call, nil
}

// InsertToolCall records one observed tool call.
func (s *Store) InsertToolCall(tc *ConversationToolCall) error {
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(tc).Error; err != nil {
		return fmt.Errorf("insert tool call %s: %w", tc.ToolCallID, err)
	}
	return nil
}

// ToolCallsForCall lists the call's tool calls in insertion order.
func (s *Store) ToolCallsForCall(callID string) ([]ConversationToolCall, error) {
	var rows []ConversationToolCall
	if err := s.db.Where("call_id = ?", callID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load tool calls for call %s: %w", callID, err)
	}
	return rows, nil
}

// InsertDebugLog appends one raw hook payload.
func (s *Store) InsertDebugLog(debugType string, blob []byte) error {
	row := DebugLog{
		TimeCreated:         time.Now().UTC(),
		DebugTypeIdentifier: debugType,
		JSONBlob:            string(blob),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert debug log %s: %w", debugType, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
