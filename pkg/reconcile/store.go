package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cairn-dev/cairn/pkg/store"
)

// ReportStore persists the append-only reconciliation series.
type ReportStore struct {
	db *sql.DB
}

func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// Append inserts a report. Reports are never updated or deleted.
func (s *ReportStore) Append(ctx context.Context, r Report) error {
	q := store.QuerierFrom(ctx, s.db)
	var (
		onchain sql.NullInt64
		delta   sql.NullInt64
		reason  sql.NullString
	)
	if r.OnchainBalance != nil {
		onchain = sql.NullInt64{Int64: *r.OnchainBalance, Valid: true}
	}
	if r.Delta != nil {
		delta = sql.NullInt64{Int64: *r.Delta, Valid: true}
	}
	if r.BlockedReason != ReasonNone {
		reason = sql.NullString{String: string(r.BlockedReason), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (report_id, subject_kind, subject_id, address, ledger_balance, onchain_balance, delta, ready, blocked_reason, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ReportID, r.Subject.Kind, r.Subject.ID, r.Subject.Address,
		r.LedgerBalance, onchain, delta, r.Ready, reason, r.ComputedAt)
	if err != nil {
		return fmt.Errorf("append report: %w", err)
	}
	return nil
}

// Latest returns the most recent report for a subject, or store.ErrNotFound
// when the series is empty.
func (s *ReportStore) Latest(ctx context.Context, subject Subject) (Report, error) {
	q := store.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, `
		SELECT report_id, subject_kind, subject_id, address, ledger_balance, onchain_balance, delta, ready, blocked_reason, computed_at
		FROM reconciliation_reports
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY computed_at DESC
		LIMIT 1
	`, subject.Kind, subject.ID)

	var (
		r       Report
		onchain sql.NullInt64
		delta   sql.NullInt64
		reason  sql.NullString
	)
	err := row.Scan(&r.ReportID, &r.Subject.Kind, &r.Subject.ID, &r.Subject.Address,
		&r.LedgerBalance, &onchain, &delta, &r.Ready, &reason, &r.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, store.ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("latest report: %w", err)
	}
	if onchain.Valid {
		v := onchain.Int64
		r.OnchainBalance = &v
	}
	if delta.Valid {
		v := delta.Int64
		r.Delta = &v
	}
	r.BlockedReason = BlockedReason(reason.String)
	return r, nil
}
