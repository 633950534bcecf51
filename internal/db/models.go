// Package db persists conversation calls, events, tool calls and debug logs
// in SQLite. Nothing here runs on the streaming hot path; all writes arrive
// through the sequential task queues.
package db

import "time"

// ConversationCall is the GORM model for one proxied call.
type ConversationCall struct {
	CallID      string     `gorm:"column:call_id;primaryKey"`
	TraceID     string     `gorm:"column:trace_id;index:idx_calls_trace"`
	StartedAt   time.Time  `gorm:"column:started_at;not null"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (ConversationCall) TableName() string {
	return "conversation_calls"
}

// ConversationEvent is the GORM model for one structured event.
type ConversationEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id"`
	EventID   string    `gorm:"column:event_id;uniqueIndex"`
	CallID    string    `gorm:"column:call_id;index:idx_events_call;not null"`
	TraceID   string    `gorm:"column:trace_id;index:idx_events_trace"`
	EventType string    `gorm:"column:event_type;not null"`
	Hook      string    `gorm:"column:hook"`
	Sequence  int64     `gorm:"column:sequence;index:idx_events_call;not null"`
	Payload   string    `gorm:"column:payload;type:json"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (ConversationEvent) TableName() string {
	return "conversation_events"
}

// ConversationToolCall is the GORM model for one observed tool call.
type ConversationToolCall struct {
	ID             uint      `gorm:"primaryKey;autoIncrement;column:id"`
	CallID         string    `gorm:"column:call_id;index:idx_tool_calls_call;not null"`
	ToolCallID     string    `gorm:"column:tool_call_id;not null"`
	Name           string    `gorm:"column:name;not null"`
	Arguments      string    `gorm:"column:arguments;type:json"`
	Status         string    `gorm:"column:status;index;not null"` // observed, blocked, incomplete
	Response       string    `gorm:"column:response"`
	ChunksBuffered int       `gorm:"column:chunks_buffered"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (ConversationToolCall) TableName() string {
	return "conversation_tool_calls"
}

// DebugLog is the append-only GORM model for raw hook payloads.
type DebugLog struct {
	ID                  uint      `gorm:"primaryKey;autoIncrement;column:id"`
	TimeCreated         time.Time `gorm:"column:time_created;index;not null"`
	DebugTypeIdentifier string    `gorm:"column:debug_type_identifier;index;not null"`
	JSONBlob            string    `gorm:"column:jsonblob;type:json"`
}

func (DebugLog) TableName() string {
	return "debug_logs"
}
