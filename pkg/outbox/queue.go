package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cairn-dev/cairn/pkg/store"
)

// Queue is the SQL-backed task queue. All state transitions are single
// conditional writes so concurrent workers cannot race past each other.
type Queue struct {
	db *sql.DB
}

func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

const selectTask = `
	SELECT task_id, idempotency_key, task_type, payload, payload_hash, status,
	       attempts, result, tx_hash, last_error, locked_by, locked_at,
	       created_at, updated_at
	FROM outbox_tasks
`

// Enqueue persists a new pending task. When idempotencyKey is non-empty the
// call is idempotent: a replay returns the original task with created=false.
// Replaying a key with a different payload is rejected.
func (q *Queue) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, idempotencyKey string) (Task, bool, error) {
	if err := ValidatePayload(taskType, payload); err != nil {
		return Task{}, false, err
	}
	hash, err := Fingerprint(payload)
	if err != nil {
		return Task{}, false, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	now := time.Now().UTC()
	task := Task{
		TaskID:         uuid.New().String(),
		IdempotencyKey: idempotencyKey,
		TaskType:       taskType,
		Payload:        payload,
		PayloadHash:    hash,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	qr := store.QuerierFrom(ctx, q.db)
	insert := `
		INSERT INTO outbox_tasks (task_id, idempotency_key, task_type, payload, payload_hash, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`
	var key sql.NullString
	if idempotencyKey != "" {
		key = sql.NullString{String: idempotencyKey, Valid: true}
	}

	if !key.Valid {
		// No replay protection requested; a fresh unique task_id is enough.
		if _, err := qr.ExecContext(ctx, insert,
			task.TaskID, key, taskType, string(payload), hash, string(StatusPending), now, now); err != nil {
			return Task{}, false, fmt.Errorf("enqueue task: %w", err)
		}
		return task, true, nil
	}

	var existing Task
	created, err := store.InsertOrGet(ctx, qr, insert,
		[]any{task.TaskID, key, taskType, string(payload), hash, string(StatusPending), now, now},
		func(ctx context.Context) error {
			row := qr.QueryRowContext(ctx, selectTask+` WHERE idempotency_key = $1`, idempotencyKey)
			var err error
			existing, err = scanTask(row)
			return err
		})
	if err != nil {
		return Task{}, false, fmt.Errorf("enqueue task: %w", err)
	}
	if created {
		return task, true, nil
	}
	if existing.PayloadHash != hash {
		return Task{}, false, ErrKeyPayloadMismatch
	}
	return existing, false, nil
}

// claimAttempts bounds the select-then-update retry loop when claimers race.
const claimAttempts = 5

// Claim atomically hands the oldest eligible task to workerID: either a
// pending task or a processing one whose lock expired lockTTL ago (orphaned
// by a crashed worker). The transition is one conditional UPDATE; losing the
// race moves on to the next candidate.
func (q *Queue) Claim(ctx context.Context, workerID string, lockTTL time.Duration) (Task, error) {
	if workerID == "" {
		return Task{}, fmt.Errorf("%w: worker_id is required", ErrInvalidTask)
	}
	qr := store.QuerierFrom(ctx, q.db)

	for i := 0; i < claimAttempts; i++ {
		now := time.Now().UTC()
		cutoff := now.Add(-lockTTL)

		var taskID string
		err := qr.QueryRowContext(ctx, `
			SELECT task_id FROM outbox_tasks
			WHERE status = $1 OR (status = $2 AND locked_at < $3)
			ORDER BY created_at ASC
			LIMIT 1
		`, string(StatusPending), string(StatusProcessing), cutoff).Scan(&taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNoTaskAvailable
		}
		if err != nil {
			return Task{}, fmt.Errorf("claim select: %w", err)
		}

		res, err := qr.ExecContext(ctx, `
			UPDATE outbox_tasks
			SET status = $1, locked_by = $2, locked_at = $3, attempts = attempts + 1, updated_at = $4
			WHERE task_id = $5 AND (status = $6 OR (status = $7 AND locked_at < $8))
		`, string(StatusProcessing), workerID, now, now,
			taskID, string(StatusPending), string(StatusProcessing), cutoff)
		if err != nil {
			return Task{}, fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return Task{}, fmt.Errorf("claim rows affected: %w", err)
		}
		if affected == 1 {
			return q.Get(ctx, taskID)
		}
		// Another claimer won this row; re-select.
	}
	return Task{}, ErrNoTaskAvailable
}

// RecordSubmission persists the external transaction hash before the task
// reaches a terminal state, so a worker crash after submit is detectable and
// the action is never executed twice.
func (q *Queue) RecordSubmission(ctx context.Context, taskID, workerID, txHash string) error {
	qr := store.QuerierFrom(ctx, q.db)
	res, err := qr.ExecContext(ctx, `
		UPDATE outbox_tasks SET tx_hash = $1, updated_at = $2
		WHERE task_id = $3 AND locked_by = $4 AND status = $5
	`, txHash, time.Now().UTC(), taskID, workerID, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %s no longer locked by %s", taskID, workerID)
	}
	return nil
}

// Complete transitions processing → succeeded/failed, but only while the
// caller still holds the lock. A stale worker's delayed completion is a
// no-op that returns the task's current state rather than erroring.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, status TaskStatus, result, txHash, errorHint string) (Task, error) {
	if !status.Terminal() {
		return Task{}, fmt.Errorf("%w: complete requires a terminal status, got %q", ErrInvalidTask, status)
	}
	qr := store.QuerierFrom(ctx, q.db)

	res, err := qr.ExecContext(ctx, `
		UPDATE outbox_tasks
		SET status = $1,
		    result = CASE WHEN $2 = '' THEN result ELSE $3 END,
		    tx_hash = CASE WHEN $4 = '' THEN tx_hash ELSE $5 END,
		    last_error = CASE WHEN $6 = '' THEN last_error ELSE $7 END,
		    locked_by = NULL, locked_at = NULL, updated_at = $8
		WHERE task_id = $9 AND locked_by = $10 AND status = $11
	`, string(status), result, result, txHash, txHash, errorHint, errorHint,
		time.Now().UTC(), taskID, workerID, string(StatusProcessing))
	if err != nil {
		return Task{}, fmt.Errorf("complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	current, getErr := q.Get(ctx, taskID)
	if getErr != nil {
		return Task{}, getErr
	}
	_ = affected // zero means the task was reclaimed; current state is the answer either way
	return current, nil
}

// Get fetches a task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	qr := store.QuerierFrom(ctx, q.db)
	task, err := scanTask(qr.QueryRowContext(ctx, selectTask+` WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, store.ErrNotFound
	}
	return task, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t        Task
		key      sql.NullString
		result   sql.NullString
		txHash   sql.NullString
		lastErr  sql.NullString
		lockedBy sql.NullString
		lockedAt sql.NullTime
		status   string
		payload  string
	)
	err := row.Scan(&t.TaskID, &key, &t.TaskType, &payload, &t.PayloadHash, &status,
		&t.Attempts, &result, &txHash, &lastErr, &lockedBy, &lockedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	t.IdempotencyKey = key.String
	t.Payload = json.RawMessage(payload)
	t.Status = TaskStatus(status)
	t.Result = result.String
	t.TxHash = txHash.String
	t.LastError = lastErr.String
	t.LockedBy = lockedBy.String
	if lockedAt.Valid {
		at := lockedAt.Time
		t.LockedAt = &at
	}
	return t, nil
}
