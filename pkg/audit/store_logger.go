package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cairn-dev/cairn/pkg/store"
)

// StoreLogger persists audit events to the audit_events table so the trail
// survives restarts and can be queried alongside the ledger.
type StoreLogger struct {
	q store.Querier
}

func NewStoreLogger(q store.Querier) *StoreLogger {
	return &StoreLogger{q: q}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l.q == nil {
		return fmt.Errorf("audit store not configured")
	}

	event := newEvent(ctx, eventType, action, resource, metadata)
	var meta []byte
	if event.Metadata != nil {
		var err error
		meta, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := l.q.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, actor_id, event_type, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.ActorID, string(event.Type), event.Action, event.Resource,
		string(meta), event.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// List returns events for a resource, newest first.
func (l *StoreLogger) List(ctx context.Context, resource string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.q.QueryContext(ctx, `
		SELECT event_id, actor_id, event_type, action, resource, metadata, created_at
		FROM audit_events WHERE resource = $1
		ORDER BY created_at DESC LIMIT $2
	`, resource, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var eventType, meta string
		var ts time.Time
		if err := rows.Scan(&e.ID, &e.ActorID, &eventType, &e.Action, &e.Resource, &meta, &ts); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		e.Timestamp = ts
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
