// Package audit records who did what to which resource. Payout authorization
// and policy changes are audited unconditionally; reads are not.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cairn-dev/cairn/pkg/auth"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventMutation EventType = "MUTATION"
	EventPolicy   EventType = "POLICY"
	EventPayout   EventType = "PAYOUT"
	EventSystem   EventType = "SYSTEM"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

// actorFrom resolves the acting identity: the authenticated operator when
// present, otherwise the system itself (worker loops, migrations).
func actorFrom(ctx context.Context) string {
	if p, err := auth.PrincipalFrom(ctx); err == nil {
		return p.ID
	}
	return "system"
}

func newEvent(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		ActorID:   actorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// writerLogger emits one JSON line per event with an AUDIT: prefix so the
// records can be grepped out of mixed process output.
type writerLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger writes audit records to stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter writes audit records to w. Injection point for tests.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{w: w}
}

func (l *writerLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	event := newEvent(ctx, eventType, action, resource, metadata)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.w.Write(append([]byte("AUDIT: "), append(b, '\n')...))
	return err
}
