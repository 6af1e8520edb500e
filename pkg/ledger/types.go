// Package ledger is the append-only store of financial and reputation facts.
// Balances are always derived by aggregation over events; no mutable running
// total exists anywhere in the system.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// AmountScale is the precision multiplier for amounts: all amounts are
// int64 milli-units (1.5 HBD == 1500).
const AmountScale = 1000

// EventKind is the closed set of ledger event variants. The persisted
// representation stays a string tag for schema evolution.
type EventKind string

const (
	KindRevenue      EventKind = "revenue"
	KindExpense      EventKind = "expense"
	KindCapital      EventKind = "capital"
	KindReputation   EventKind = "reputation"
	KindMarketingFee EventKind = "marketing_fee"
)

// ErrInvalidEvent marks caller-fixable validation failures.
var ErrInvalidEvent = errors.New("invalid ledger event")

// Event is an immutable ledger fact.
type Event struct {
	EventID        string    `json:"event_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Kind           EventKind `json:"kind"`
	Account        string    `json:"account"`
	Amount         int64     `json:"amount"`
	Source         string    `json:"source"`
	RefType        string    `json:"ref_type,omitempty"`
	RefID          string    `json:"ref_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate enforces per-variant amount sign constraints and required fields.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrInvalidEvent)
	}
	if e.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindRevenue, KindExpense, KindMarketingFee:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive, got %d", ErrInvalidEvent, e.Kind, e.Amount)
		}
	case KindCapital, KindReputation:
		if e.Amount == 0 {
			return fmt.Errorf("%w: %s amount must be non-zero", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// ProjectAccount returns the treasury account name for a project.
func ProjectAccount(projectID string) string {
	return "project:" + projectID
}

// AgentAccount returns the reputation account name for an agent.
func AgentAccount(agentID string) string {
	return "agent:" + agentID
}
