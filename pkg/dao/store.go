package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cairn-dev/cairn/pkg/store"
)

// SQLStore persists the coordination entities. All reads and writes join an
// ambient transaction when the context carries one.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) q(ctx context.Context) store.Querier {
	return store.QuerierFrom(ctx, s.db)
}

// CreateAgent inserts an agent. Handles are unique; re-creating an existing
// handle returns the original row with created=false, so oracle retries of
// agent registration are no-ops.
func (s *SQLStore) CreateAgent(ctx context.Context, a Agent) (Agent, bool, error) {
	if err := a.Validate(); err != nil {
		return Agent{}, false, err
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	q := s.q(ctx)
	var existing Agent
	created, err := store.InsertOrGet(ctx, q,
		`INSERT INTO agents (agent_id, handle, display_name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		[]any{a.AgentID, a.Handle, a.DisplayName, a.CreatedAt, a.UpdatedAt},
		func(ctx context.Context) error {
			row := q.QueryRowContext(ctx,
				`SELECT agent_id, handle, display_name, created_at, updated_at FROM agents WHERE handle = $1`, a.Handle)
			var err error
			existing, err = scanAgent(row)
			return err
		})
	if err != nil {
		return Agent{}, false, fmt.Errorf("create agent: %w", err)
	}
	if created {
		return a, true, nil
	}
	return existing, false, nil
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT agent_id, handle, display_name, created_at, updated_at FROM agents WHERE agent_id = $1`, agentID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, store.ErrNotFound
	}
	return a, err
}

// CreateProject inserts a project, idempotent on the unique name.
func (s *SQLStore) CreateProject(ctx context.Context, p Project) (Project, bool, error) {
	if err := p.Validate(); err != nil {
		return Project{}, false, err
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	var budget sql.NullInt64
	if p.MonthlyBudget != nil {
		budget = sql.NullInt64{Int64: *p.MonthlyBudget, Valid: true}
	}

	q := s.q(ctx)
	var existing Project
	created, err := store.InsertOrGet(ctx, q,
		`INSERT INTO projects (project_id, name, treasury_address, monthly_budget, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		[]any{p.ProjectID, p.Name, p.TreasuryAddress, budget, p.CreatedAt, p.UpdatedAt},
		func(ctx context.Context) error {
			row := q.QueryRowContext(ctx, selectProject+` WHERE name = $1`, p.Name)
			var err error
			existing, err = scanProject(row)
			return err
		})
	if err != nil {
		return Project{}, false, fmt.Errorf("create project: %w", err)
	}
	if created {
		return p, true, nil
	}
	return existing, false, nil
}

const selectProject = `SELECT project_id, name, treasury_address, monthly_budget, created_at, updated_at FROM projects`

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectProject+` WHERE project_id = $1`, projectID)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, store.ErrNotFound
	}
	return p, err
}

// CreateProposal inserts a proposal in draft status.
func (s *SQLStore) CreateProposal(ctx context.Context, p Proposal) (Proposal, error) {
	if err := p.Validate(); err != nil {
		return Proposal{}, err
	}
	now := time.Now().UTC()
	p.Status = ProposalDraft
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO proposals (proposal_id, project_id, title, body, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ProposalID, p.ProjectID, p.Title, p.Body, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("create proposal: %w", err)
	}
	return p, nil
}

func (s *SQLStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT proposal_id, project_id, title, body, status, created_at, updated_at FROM proposals WHERE proposal_id = $1`, proposalID)
	var p Proposal
	var status string
	err := row.Scan(&p.ProposalID, &p.ProjectID, &p.Title, &p.Body, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, store.ErrNotFound
	}
	if err != nil {
		return Proposal{}, err
	}
	p.Status = ProposalStatus(status)
	return p, nil
}

// AdvanceProposal moves a proposal one step along draft -> open -> closed.
// The status predicate in the UPDATE makes concurrent advances race-safe:
// exactly one wins, the rest see ErrInvalidTransition.
func (s *SQLStore) AdvanceProposal(ctx context.Context, proposalID string, to ProposalStatus) (Proposal, error) {
	var from ProposalStatus
	found := false
	for f, t := range proposalTransitions {
		if t == to {
			from, found = f, true
		}
	}
	if !found {
		return Proposal{}, fmt.Errorf("%w: no transition to %q", ErrInvalidTransition, to)
	}

	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE proposals SET status = $1, updated_at = $2 WHERE proposal_id = $3 AND status = $4`,
		string(to), time.Now().UTC(), proposalID, string(from))
	if err != nil {
		return Proposal{}, fmt.Errorf("advance proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Proposal{}, err
	}
	if n == 0 {
		current, err := s.GetProposal(ctx, proposalID)
		if err != nil {
			return Proposal{}, err
		}
		return Proposal{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return s.GetProposal(ctx, proposalID)
}

// CreateBounty inserts a bounty in open status.
func (s *SQLStore) CreateBounty(ctx context.Context, b Bounty) (Bounty, error) {
	if err := b.Validate(); err != nil {
		return Bounty{}, err
	}
	now := time.Now().UTC()
	b.Status = BountyOpen
	b.AssigneeID = ""
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO bounties (bounty_id, project_id, title, amount, status, assignee_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, NULL, $6, $7)`,
		b.BountyID, b.ProjectID, b.Title, b.Amount, string(b.Status), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return Bounty{}, fmt.Errorf("create bounty: %w", err)
	}
	return b, nil
}

const selectBounty = `SELECT bounty_id, project_id, title, amount, status, assignee_id, created_at, updated_at FROM bounties`

func (s *SQLStore) GetBounty(ctx context.Context, bountyID string) (Bounty, error) {
	row := s.q(ctx).QueryRowContext(ctx, selectBounty+` WHERE bounty_id = $1`, bountyID)
	b, err := scanBounty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Bounty{}, store.ErrNotFound
	}
	return b, err
}

// AssignBounty claims an open bounty for an agent. Two concurrent assigns
// race on the status predicate; the loser gets ErrInvalidTransition.
func (s *SQLStore) AssignBounty(ctx context.Context, bountyID, agentID string) (Bounty, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return Bounty{}, fmt.Errorf("assignee: %w", err)
	}

	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE bounties SET status = $1, assignee_id = $2, updated_at = $3 WHERE bounty_id = $4 AND status = $5`,
		string(BountyAssigned), agentID, time.Now().UTC(), bountyID, string(BountyOpen))
	if err != nil {
		return Bounty{}, fmt.Errorf("assign bounty: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Bounty{}, err
	}
	if n == 0 {
		current, err := s.GetBounty(ctx, bountyID)
		if err != nil {
			return Bounty{}, err
		}
		return Bounty{}, fmt.Errorf("%w: bounty is %s", ErrInvalidTransition, current.Status)
	}
	return s.GetBounty(ctx, bountyID)
}

// markBountyPaid flips assigned -> paid. Only the payout path calls this,
// inside the settlement transaction.
func (s *SQLStore) markBountyPaid(ctx context.Context, bountyID string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE bounties SET status = $1, updated_at = $2 WHERE bounty_id = $3 AND status = $4`,
		string(BountyPaid), time.Now().UTC(), bountyID, string(BountyAssigned))
	if err != nil {
		return fmt.Errorf("mark bounty paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: bounty is not assigned", ErrInvalidTransition)
	}
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.Handle, &a.DisplayName, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var budget sql.NullInt64
	err := row.Scan(&p.ProjectID, &p.Name, &p.TreasuryAddress, &budget, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	if budget.Valid {
		p.MonthlyBudget = &budget.Int64
	}
	return p, nil
}

func scanBounty(row interface{ Scan(...any) error }) (Bounty, error) {
	var b Bounty
	var status string
	var assignee sql.NullString
	err := row.Scan(&b.BountyID, &b.ProjectID, &b.Title, &b.Amount, &status, &assignee, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Bounty{}, err
	}
	b.Status = BountyStatus(status)
	b.AssigneeID = assignee.String
	return b, nil
}
