package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"suimessenger/pkg/constants"
	"suimessenger/pkg/logger"
)

// EventType represents the type of audit event
type EventType string

const (
	// Session lifecycle events
	EventSessionCreate     EventType = "session_create"
	EventSessionRejected   EventType = "session_rejected"
	EventSessionRestore    EventType = "session_restore"
	EventSessionDiscard    EventType = "session_discard"
	EventSessionInvalidate EventType = "session_invalidate"
	EventSessionsCleared   EventType = "sessions_cleared"
)

// Event represents an audit log entry
type Event struct {
	EventID   uuid.UUID `json:"event_id"`
	Identity  string    `json:"identity,omitempty"`
	EventType EventType `json:"event_type"`
	ServiceID string    `json:"service_id,omitempty"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"error_code,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink stores audit events
type Sink interface {
	Write(ctx context.Context, event *Event) error
}

// Logger fans audit events out to its sinks. A nil Logger discards events.
type Logger struct {
	sinks []Sink
	now   func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks, now: time.Now}
}

// Log stamps and records event. Sink failures are logged and never returned;
// auditing must not fail the operation being audited.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil {
		return
	}
	event.Timestamp = l.now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, event); err != nil {
			logger.FromContext(ctx).Warn("Failed to record audit event",
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
		}
	}
}

// LogSink writes audit events to the structured log
type LogSink struct{}

// Write logs event at info level
func (LogSink) Write(ctx context.Context, event *Event) error {
	logger.FromContext(ctx).Info("Audit event",
		zap.String("event_id", event.EventID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("identity", event.Identity),
		zap.Bool("success", event.Success),
		zap.String("error_code", event.ErrorCode),
		zap.String("details", event.Details),
	)
	return nil
}

// RedisSink keeps audit events in one Redis list per day
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisSink creates a Redis sink; a zero retention uses the default
func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = constants.AuditLogRetention
	}
	return &RedisSink{client: client, retention: retention, now: time.Now}
}

func dayKey(t time.Time) string {
	return fmt.Sprintf("audit:events:%s", t.UTC().Format("2006-01-02"))
}

// Write pushes event onto the list of its day and refreshes the list expiry
func (s *RedisSink) Write(ctx context.Context, event *Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := dayKey(event.Timestamp)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, eventJSON)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events for identity, newest first
func (s *RedisSink) Recent(ctx context.Context, identity string, limit int) ([]*Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var events []*Event
	for i := 0; i < constants.AuditLookbackDays && len(events) < limit; i++ {
		members, err := s.client.LRange(ctx, dayKey(now.AddDate(0, 0, -i)), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get audit events: %w", err)
		}
		for _, member := range members {
			var event Event
			if err := json.Unmarshal([]byte(member), &event); err != nil {
				continue
			}
			if event.Identity != identity {
				continue
			}
			events = append(events, &event)
			if len(events) == limit {
				break
			}
		}
	}
	return events, nil
}
