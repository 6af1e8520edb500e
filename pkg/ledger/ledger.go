package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cairn-dev/cairn/pkg/store"
)

// Store persists and aggregates ledger events.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const insertEvent = `
	INSERT INTO ledger_events (event_id, idempotency_key, kind, account, amount, source, ref_type, ref_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const selectEvent = `
	SELECT event_id, idempotency_key, kind, account, amount, source, ref_type, ref_id, created_at
	FROM ledger_events
`

// Ingest validates and appends an event. A replay of a previously-seen
// idempotency key is a complete no-op returning the original row with
// created=false.
func (s *Store) Ingest(ctx context.Context, evt Event) (Event, bool, error) {
	if err := evt.Validate(); err != nil {
		return Event{}, false, err
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	q := store.QuerierFrom(ctx, s.db)

	var (
		existing Event
		refType  sql.NullString
		refID    sql.NullString
	)
	if evt.RefType != "" {
		refType = sql.NullString{String: evt.RefType, Valid: true}
	}
	if evt.RefID != "" {
		refID = sql.NullString{String: evt.RefID, Valid: true}
	}

	created, err := store.InsertOrGet(ctx, q, insertEvent,
		[]any{evt.EventID, evt.IdempotencyKey, string(evt.Kind), evt.Account, evt.Amount, evt.Source, refType, refID, evt.CreatedAt},
		func(ctx context.Context) error {
			row := q.QueryRowContext(ctx, selectEvent+` WHERE idempotency_key = $1`, evt.IdempotencyKey)
			var err error
			existing, err = scanEvent(row)
			return err
		})
	if err != nil {
		return Event{}, false, fmt.Errorf("ingest ledger event: %w", err)
	}
	if created {
		return evt, true, nil
	}
	return existing, false, nil
}

// Get fetches a single event by id.
func (s *Store) Get(ctx context.Context, eventID string) (Event, error) {
	q := store.QuerierFrom(ctx, s.db)
	evt, err := scanEvent(q.QueryRowContext(ctx, selectEvent+` WHERE event_id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, store.ErrNotFound
	}
	return evt, err
}

// Balance returns the aggregate sum over an account's events. This is the
// only legal way to read a balance.
func (s *Store) Balance(ctx context.Context, account string, asOf time.Time) (int64, error) {
	q := store.QuerierFrom(ctx, s.db)
	query := `SELECT COALESCE(SUM(amount), 0) FROM ledger_events WHERE account = $1`
	args := []any{account}
	if !asOf.IsZero() {
		query += ` AND created_at <= $2`
		args = append(args, asOf)
	}
	var balance int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&balance); err != nil {
		return 0, fmt.Errorf("aggregate balance for %s: %w", account, err)
	}
	return balance, nil
}

// SumKind returns the aggregate sum of one event kind for an account within
// [from, to). Spend caps are evaluated against this.
func (s *Store) SumKind(ctx context.Context, account string, kind EventKind, from, to time.Time) (int64, error) {
	q := store.QuerierFrom(ctx, s.db)
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_events
		 WHERE account = $1 AND kind = $2 AND created_at >= $3 AND created_at < $4`,
		account, string(kind), from, to).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("aggregate %s for %s: %w", kind, account, err)
	}
	return sum, nil
}

// ListAccount returns an account's events, oldest first.
func (s *Store) ListAccount(ctx context.Context, account string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := store.QuerierFrom(ctx, s.db)
	rows, err := q.QueryContext(ctx, selectEvent+` WHERE account = $1 ORDER BY created_at ASC LIMIT $2`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		evt     Event
		kind    string
		refType sql.NullString
		refID   sql.NullString
	)
	err := row.Scan(&evt.EventID, &evt.IdempotencyKey, &kind, &evt.Account, &evt.Amount, &evt.Source, &refType, &refID, &evt.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	evt.Kind = EventKind(kind)
	evt.RefType = refType.String
	evt.RefID = refID.String
	return evt, nil
}
