package dao

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cairn-dev/cairn/pkg/audit"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/reconcile"
	"github.com/cairn-dev/cairn/pkg/spend"
	"github.com/cairn-dev/cairn/pkg/store"
)

// Payout gate stages, reported with the blocked reason so callers can tell
// which check denied.
const (
	StageSpendPolicy    = "spend_policy"
	StageReconciliation = "reconciliation"
)

// BlockedError is a payout denial. It is a policy outcome, not a fault: the
// request was well-formed and the answer is no.
type BlockedError struct {
	Stage  string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("payout blocked at %s: %s", e.Stage, e.Reason)
}

// Authorization is the durable outcome of a payout decision.
type Authorization struct {
	Bounty  Bounty       `json:"bounty"`
	Event   ledger.Event `json:"event"`
	Task    outbox.Task  `json:"task"`
	Created bool         `json:"created"`
}

// PayoutService drives the settlement pipeline for bounty payouts: spend
// policy check, reconciliation gate, then one transaction writing the
// expense ledger event, the chain-transfer outbox task and the paid status.
type PayoutService struct {
	db       *sql.DB
	entities *SQLStore
	ledger   *ledger.Store
	enforcer *spend.Enforcer
	reports  *reconcile.ReportStore
	queue    *outbox.Queue
	auditor  audit.Logger
	// maxReportAge bounds reconciliation staleness at the moment of payout.
	maxReportAge time.Duration
	logger       *slog.Logger
}

func NewPayoutService(
	db *sql.DB,
	entities *SQLStore,
	ledgerStore *ledger.Store,
	enforcer *spend.Enforcer,
	reports *reconcile.ReportStore,
	queue *outbox.Queue,
	auditor audit.Logger,
	maxReportAge time.Duration,
	logger *slog.Logger,
) *PayoutService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutService{
		db:           db,
		entities:     entities,
		ledger:       ledgerStore,
		enforcer:     enforcer,
		reports:      reports,
		queue:        queue,
		auditor:      auditor,
		maxReportAge: maxReportAge,
		logger:       logger.With("component", "payout"),
	}
}

func payoutKey(bountyID string) string { return "payout:" + bountyID }

// Authorize settles a bounty. The decision order is deliberate: the cheap
// fail-closed spend check runs before the reconciliation gate, and nothing
// is written until both allow. Re-authorizing an already paid bounty
// returns the original settlement with Created=false.
func (s *PayoutService) Authorize(ctx context.Context, bountyID string) (Authorization, error) {
	bounty, err := s.entities.GetBounty(ctx, bountyID)
	if err != nil {
		return Authorization{}, err
	}
	if bounty.Status == BountyPaid {
		return s.replay(ctx, bounty)
	}
	if bounty.Status != BountyAssigned || bounty.AssigneeID == "" {
		return Authorization{}, fmt.Errorf("%w: bounty must be assigned before payout", ErrInvalidTransition)
	}

	assignee, err := s.entities.GetAgent(ctx, bounty.AssigneeID)
	if err != nil {
		return Authorization{}, fmt.Errorf("assignee: %w", err)
	}
	project, err := s.entities.GetProject(ctx, bounty.ProjectID)
	if err != nil {
		return Authorization{}, fmt.Errorf("project: %w", err)
	}

	now := time.Now().UTC()
	// The enforcer fails closed: any error arrives with a blocked reason.
	if reason, _ := s.enforcer.Check(ctx, project.ProjectID, bounty.Amount, now); reason != spend.ReasonNone {
		return Authorization{}, &BlockedError{Stage: StageSpendPolicy, Reason: string(reason)}
	}

	subject := reconcile.Subject{Kind: "project", ID: project.ProjectID, Address: project.TreasuryAddress}
	report, err := s.reports.Latest(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		return Authorization{}, &BlockedError{Stage: StageReconciliation, Reason: string(reconcile.ReasonMissing)}
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("load reconciliation report: %w", err)
	}
	if reason := report.Usable(now, s.maxReportAge); reason != reconcile.ReasonNone {
		return Authorization{}, &BlockedError{Stage: StageReconciliation, Reason: string(reason)}
	}

	auth, err := s.settle(ctx, bounty, project, assignee)
	if err != nil {
		return Authorization{}, err
	}

	if s.auditor != nil {
		_ = s.auditor.Record(ctx, audit.EventPayout, "payout.authorize", "bounty:"+bounty.BountyID, map[string]any{
			"project_id": project.ProjectID,
			"assignee":   assignee.Handle,
			"amount":     bounty.Amount,
			"task_id":    auth.Task.TaskID,
		})
	}
	s.logger.InfoContext(ctx, "payout authorized",
		"bounty_id", bounty.BountyID, "project_id", project.ProjectID, "amount", bounty.Amount, "task_id", auth.Task.TaskID)
	return auth, nil
}

// settle performs the atomic write: ledger expense, chain-transfer enqueue
// and the paid flip commit or roll back together.
func (s *PayoutService) settle(ctx context.Context, bounty Bounty, project Project, assignee Agent) (Authorization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Authorization{}, fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	txCtx := store.ContextWithTx(ctx, tx)

	event, _, err := s.ledger.Ingest(txCtx, ledger.Event{
		EventID:        uuid.New().String(),
		IdempotencyKey: payoutKey(bounty.BountyID),
		Kind:           ledger.KindExpense,
		Account:        ledger.ProjectAccount(project.ProjectID),
		Amount:         bounty.Amount,
		Source:         "payout",
		RefType:        "bounty",
		RefID:          bounty.BountyID,
	})
	if err != nil {
		return Authorization{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"from_account": project.TreasuryAddress,
		"to_address":   assignee.Handle,
		"amount":       bounty.Amount,
		"asset":        "HBD",
		"memo":         "bounty " + bounty.BountyID,
	})
	if err != nil {
		return Authorization{}, fmt.Errorf("marshal transfer payload: %w", err)
	}
	task, _, err := s.queue.Enqueue(txCtx, outbox.TypeChainTransfer, payload, payoutKey(bounty.BountyID))
	if err != nil {
		return Authorization{}, err
	}

	if err := s.entities.markBountyPaid(txCtx, bounty.BountyID); err != nil {
		return Authorization{}, err
	}

	if err := tx.Commit(); err != nil {
		return Authorization{}, fmt.Errorf("commit settlement: %w", err)
	}

	bounty.Status = BountyPaid
	return Authorization{Bounty: bounty, Event: event, Task: task, Created: true}, nil
}

// replay reconstructs the settlement of an already paid bounty from its
// idempotency key.
func (s *PayoutService) replay(ctx context.Context, bounty Bounty) (Authorization, error) {
	event, _, err := s.ledger.Ingest(ctx, ledger.Event{
		EventID:        uuid.New().String(),
		IdempotencyKey: payoutKey(bounty.BountyID),
		Kind:           ledger.KindExpense,
		Account:        ledger.ProjectAccount(bounty.ProjectID),
		Amount:         bounty.Amount,
		Source:         "payout",
		RefType:        "bounty",
		RefID:          bounty.BountyID,
	})
	if err != nil {
		return Authorization{}, fmt.Errorf("replay settlement: %w", err)
	}
	task, err := s.taskByKey(ctx, payoutKey(bounty.BountyID))
	if err != nil {
		return Authorization{}, fmt.Errorf("replay settlement: %w", err)
	}
	return Authorization{Bounty: bounty, Event: event, Task: task, Created: false}, nil
}

func (s *PayoutService) taskByKey(ctx context.Context, key string) (outbox.Task, error) {
	q := store.QuerierFrom(ctx, s.db)
	row := q.QueryRowContext(ctx, `SELECT task_id FROM outbox_tasks WHERE idempotency_key = $1`, key)
	var taskID string
	if err := row.Scan(&taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return outbox.Task{}, store.ErrNotFound
		}
		return outbox.Task{}, err
	}
	return s.queue.Get(ctx, taskID)
}
