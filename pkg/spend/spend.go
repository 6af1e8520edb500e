// Package spend caps proposed expenditures against historical ledger sums.
// Enforcement is fail-closed: any storage error denies the spend.
package spend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/store"
)

// BlockedReason is the stable vocabulary for spend denials.
type BlockedReason string

const (
	ReasonNone               BlockedReason = ""
	ReasonBountyCapExceeded  BlockedReason = "per_bounty_cap_exceeded"
	ReasonDailyCapExceeded   BlockedReason = "per_day_cap_exceeded"
	ReasonMonthlyCapExceeded BlockedReason = "per_month_cap_exceeded"
	ReasonCheckFailed        BlockedReason = "policy_check_failed"
	ReasonInvalidAmount      BlockedReason = "invalid_amount"
)

// Policy holds a project's optional caps. A nil cap means uncapped.
type Policy struct {
	ProjectID    string    `json:"project_id"`
	PerBountyCap *int64    `json:"per_bounty_cap"`
	PerDayCap    *int64    `json:"per_day_cap"`
	PerMonthCap  *int64    `json:"per_month_cap"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PolicyResolver yields the effective policy for a project: an explicit
// policy row overrides the project's legacy monthly budget.
type PolicyResolver interface {
	Resolve(ctx context.Context, projectID string) (Policy, error)
}

// ExpenseSource supplies historical expense sums from the ledger.
type ExpenseSource interface {
	SumKind(ctx context.Context, account string, kind ledger.EventKind, from, to time.Time) (int64, error)
}

// Enforcer evaluates the three orthogonal cap checks.
type Enforcer struct {
	policies PolicyResolver
	expenses ExpenseSource
	logger   *slog.Logger
}

func NewEnforcer(policies PolicyResolver, expenses ExpenseSource, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{policies: policies, expenses: expenses, logger: logger.With("component", "spend")}
}

// Check evaluates a proposed expenditure at instant now. It returns
// ReasonNone when the spend is allowed. A violation of any single check
// blocks the whole spend; there is no partial allowance. Errors deny.
func (e *Enforcer) Check(ctx context.Context, projectID string, proposed int64, now time.Time) (BlockedReason, error) {
	if proposed <= 0 {
		return ReasonInvalidAmount, fmt.Errorf("proposed amount must be positive, got %d", proposed)
	}

	policy, err := e.policies.Resolve(ctx, projectID)
	if err != nil {
		e.logger.ErrorContext(ctx, "policy resolution failed", "project_id", projectID, "error", err)
		return ReasonCheckFailed, err
	}

	if policy.PerBountyCap != nil && proposed > *policy.PerBountyCap {
		return ReasonBountyCapExceeded, nil
	}

	account := ledger.ProjectAccount(projectID)
	now = now.UTC()

	if policy.PerMonthCap != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := e.expenses.SumKind(ctx, account, ledger.KindExpense, monthStart, monthStart.AddDate(0, 1, 0))
		if err != nil {
			e.logger.ErrorContext(ctx, "monthly expense sum failed", "project_id", projectID, "error", err)
			return ReasonCheckFailed, err
		}
		if spent+proposed > *policy.PerMonthCap {
			return ReasonMonthlyCapExceeded, nil
		}
	}

	if policy.PerDayCap != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spent, err := e.expenses.SumKind(ctx, account, ledger.KindExpense, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			e.logger.ErrorContext(ctx, "daily expense sum failed", "project_id", projectID, "error", err)
			return ReasonCheckFailed, err
		}
		if spent+proposed > *policy.PerDayCap {
			return ReasonDailyCapExceeded, nil
		}
	}

	return ReasonNone, nil
}

// SQLPolicyStore resolves and persists spend policies.
type SQLPolicyStore struct {
	db store.Querier
}

func NewSQLPolicyStore(db store.Querier) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

// Resolve returns the explicit policy row when one exists; otherwise it
// falls back to the project's legacy single monthly-budget value.
func (s *SQLPolicyStore) Resolve(ctx context.Context, projectID string) (Policy, error) {
	q := s.querier(ctx)
	policy := Policy{ProjectID: projectID}
	err := q.QueryRowContext(ctx,
		`SELECT per_bounty_cap, per_day_cap, per_month_cap, updated_at FROM spend_policies WHERE project_id = $1`,
		projectID).Scan(&policy.PerBountyCap, &policy.PerDayCap, &policy.PerMonthCap, &policy.UpdatedAt)
	if err == nil {
		return policy, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Policy{}, fmt.Errorf("resolve spend policy: %w", err)
	}

	var monthlyBudget *int64
	err = q.QueryRowContext(ctx, `SELECT monthly_budget FROM projects WHERE project_id = $1`, projectID).
		Scan(&monthlyBudget)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, store.ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("resolve legacy budget: %w", err)
	}
	policy.PerMonthCap = monthlyBudget
	return policy, nil
}

// Set upserts a project's policy row.
func (s *SQLPolicyStore) Set(ctx context.Context, policy Policy) error {
	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO spend_policies (project_id, per_bounty_cap, per_day_cap, per_month_cap, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET
			per_bounty_cap = EXCLUDED.per_bounty_cap,
			per_day_cap = EXCLUDED.per_day_cap,
			per_month_cap = EXCLUDED.per_month_cap,
			updated_at = EXCLUDED.updated_at
	`, policy.ProjectID, policy.PerBountyCap, policy.PerDayCap, policy.PerMonthCap, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set spend policy: %w", err)
	}
	return nil
}

func (s *SQLPolicyStore) querier(ctx context.Context) store.Querier {
	if tx, ok := store.TxFrom(ctx); ok {
		return tx
	}
	return s.db
}
