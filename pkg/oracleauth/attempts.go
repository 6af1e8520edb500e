package oracleauth

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Attempt is one row of the authentication audit trail. Every signed (or
// unsigned) call to a guarded endpoint is recorded, accepted or not, so
// abuse attempts can be reconstructed forensically.
type Attempt struct {
	AttemptID       string
	RequestID       string
	OracleID        string
	Method          string
	Path            string
	SignatureStatus SignatureStatus
	Outcome         string // accepted, rejected_expired, rejected_signature, rejected_replay
	RemoteAddr      string
	AttemptedAt     time.Time
}

// AttemptRecorder appends to the oracle_attempts audit table. Recording is
// deliberately outside the request transaction: a rolled-back mutation must
// not erase the evidence that the attempt happened.
type AttemptRecorder struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAttemptRecorder(db *sql.DB, logger *slog.Logger) *AttemptRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptRecorder{db: db, logger: logger.With("component", "oracleauth")}
}

// Record appends an attempt. Failures are logged, not propagated: the audit
// write must never decide the request's fate.
func (r *AttemptRecorder) Record(ctx context.Context, a Attempt) {
	if a.AttemptID == "" {
		a.AttemptID = uuid.New().String()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oracle_attempts (attempt_id, request_id, oracle_id, method, path, signature_status, outcome, remote_addr, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.AttemptID, a.RequestID, a.OracleID, a.Method, a.Path,
		string(a.SignatureStatus), a.Outcome, a.RemoteAddr, a.AttemptedAt)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record auth attempt",
			"request_id", a.RequestID, "error", err)
	}
}
