// Package outbox is the crash-safe task queue: side-effecting actions are
// persisted as rows before execution, so crashes before or after execution
// are recoverable without duplicate effects. The database is the sole
// arbiter of concurrency; no in-memory queue state exists.
package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus is the task lifecycle state. Terminal states are sinks.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
)

// Terminal reports whether s is a sink state.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Known task types.
const (
	TypeChainTransfer = "chain_transfer"
	TypeGitOperation  = "git_operation"
)

var (
	// ErrNoTaskAvailable is returned by Claim when no pending or orphaned
	// task exists. Callers surface it as blocked_reason=no_task_available.
	ErrNoTaskAvailable = errors.New("no_task_available")

	// ErrInvalidTask marks caller-fixable enqueue/complete validation failures.
	ErrInvalidTask = errors.New("invalid task")

	// ErrKeyPayloadMismatch is returned when an idempotency key is replayed
	// with a payload that differs from the originally enqueued one.
	ErrKeyPayloadMismatch = errors.New("idempotency key reused with different payload")
)

// Task is a durable unit of deferred work. Rows are never deleted; the
// table is the audit trail.
type Task struct {
	TaskID         string          `json:"task_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	Result         string          `json:"result,omitempty"`
	TxHash         string          `json:"tx_hash,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
