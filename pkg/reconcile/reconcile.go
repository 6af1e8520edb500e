// Package reconcile compares ledger-derived balances against externally
// observed on-chain balances and produces the reports that gate payouts.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// BlockedReason is the stable vocabulary downstream policy decisions branch
// on. Values are persisted; do not renumber or rename.
type BlockedReason string

const (
	ReasonNone                   BlockedReason = ""
	ReasonMissing                BlockedReason = "missing"
	ReasonNotReconciled          BlockedReason = "not_reconciled"
	ReasonStale                  BlockedReason = "stale"
	ReasonNegativeBalance        BlockedReason = "negative_balance"
	ReasonMismatch               BlockedReason = "mismatch"
	ReasonObservationUnavailable BlockedReason = "observation_unavailable"
)

// Subject identifies what is being reconciled: a project treasury or the
// platform account, at a chain address.
type Subject struct {
	Kind    string `json:"kind"` // "project" or "platform"
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Account returns the ledger account backing the subject.
func (s Subject) Account() string {
	if s.Kind == "platform" {
		return "platform"
	}
	return s.Kind + ":" + s.ID
}

// Report is one element of the append-only reconciliation series for a
// subject. Only the most recent report is authoritative, and even that only
// within the consumer's freshness window.
type Report struct {
	ReportID       string        `json:"report_id"`
	Subject        Subject       `json:"subject"`
	LedgerBalance  int64         `json:"ledger_balance"`
	OnchainBalance *int64        `json:"onchain_balance"`
	Delta          *int64        `json:"delta"`
	Ready          bool          `json:"ready"`
	BlockedReason  BlockedReason `json:"blocked_reason,omitempty"`
	ComputedAt     time.Time     `json:"computed_at"`
}

// Usable is the consumer-site gate: it re-checks readiness and freshness at
// the moment of use, because a report that was fresh when computed may be
// stale by the time it gates an action.
func (r *Report) Usable(now time.Time, maxAge time.Duration) BlockedReason {
	if r == nil {
		return ReasonMissing
	}
	if !r.Ready {
		if r.BlockedReason != ReasonNone {
			return r.BlockedReason
		}
		return ReasonNotReconciled
	}
	if now.Sub(r.ComputedAt) > maxAge {
		return ReasonStale
	}
	return ReasonNone
}

// BalanceReader supplies the ledger-derived balance (the internal view).
type BalanceReader interface {
	Balance(ctx context.Context, account string, asOf time.Time) (int64, error)
}

// BalanceOracle supplies the externally observed balance (the on-chain view).
type BalanceOracle interface {
	AccountBalance(ctx context.Context, address string) (int64, error)
}

// Engine computes reconciliation reports.
type Engine struct {
	ledger    BalanceReader
	oracle    BalanceOracle
	reports   *ReportStore
	tolerance int64
	logger    *slog.Logger
}

func NewEngine(ledger BalanceReader, oracle BalanceOracle, reports *ReportStore, tolerance int64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:    ledger,
		oracle:    oracle,
		reports:   reports,
		tolerance: tolerance,
		logger:    logger.With("component", "reconcile"),
	}
}

// Compute derives a fresh report for subject and appends it to the series.
// An oracle failure still persists a report, with onchain_balance absent and
// blocked_reason=observation_unavailable; reconciliation never errors out
// just because the chain was unreachable.
func (e *Engine) Compute(ctx context.Context, subject Subject) (Report, error) {
	ledgerBalance, err := e.ledger.Balance(ctx, subject.Account(), time.Time{})
	if err != nil {
		return Report{}, fmt.Errorf("ledger balance for %s: %w", subject.Account(), err)
	}

	report := Report{
		ReportID:      uuid.New().String(),
		Subject:       subject,
		LedgerBalance: ledgerBalance,
		ComputedAt:    time.Now().UTC(),
	}

	observed, oracleErr := e.oracle.AccountBalance(ctx, subject.Address)
	switch {
	case oracleErr != nil:
		e.logger.WarnContext(ctx, "balance oracle unavailable",
			"subject", subject.Account(), "address", subject.Address, "error", oracleErr)
		report.BlockedReason = ReasonObservationUnavailable
	case ledgerBalance < 0:
		report.OnchainBalance = &observed
		delta := ledgerBalance - observed
		report.Delta = &delta
		report.BlockedReason = ReasonNegativeBalance
	default:
		report.OnchainBalance = &observed
		delta := ledgerBalance - observed
		report.Delta = &delta
		if abs(delta) <= e.tolerance {
			report.Ready = true
		} else {
			report.BlockedReason = ReasonMismatch
		}
	}

	if err := e.reports.Append(ctx, report); err != nil {
		return Report{}, fmt.Errorf("persist reconciliation report: %w", err)
	}

	e.logger.InfoContext(ctx, "reconciliation computed",
		"subject", subject.Account(),
		"ledger_balance", report.LedgerBalance,
		"ready", report.Ready,
		"blocked_reason", string(report.BlockedReason))
	return report, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
