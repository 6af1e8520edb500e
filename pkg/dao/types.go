// Package dao holds the coordination entities around the settlement core:
// agents doing work, projects holding treasuries, proposals steering them and
// bounties paying for delivered work.
package dao

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidEntity: a create or update carried bad fields.
	ErrInvalidEntity = errors.New("invalid entity")
	// ErrInvalidTransition: the requested status change is not allowed
	// from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Agent is a worker identity. Reputation is never stored here; it is the
// ledger aggregate over the agent's account.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (a *Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidEntity)
	}
	if a.Handle == "" {
		return fmt.Errorf("%w: handle is required", ErrInvalidEntity)
	}
	return nil
}

// Project owns a treasury on chain and a ledger account mirroring it.
type Project struct {
	ProjectID       string    `json:"project_id"`
	Name            string    `json:"name"`
	TreasuryAddress string    `json:"treasury_address,omitempty"`
	// MonthlyBudget is the legacy cap consulted when no explicit spend
	// policy row exists. Nil means uncapped.
	MonthlyBudget *int64    `json:"monthly_budget,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *Project) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidEntity)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidEntity)
	}
	if p.MonthlyBudget != nil && *p.MonthlyBudget < 0 {
		return fmt.Errorf("%w: monthly_budget must not be negative", ErrInvalidEntity)
	}
	return nil
}

// ProposalStatus lifecycle: draft -> open -> closed.
type ProposalStatus string

const (
	ProposalDraft  ProposalStatus = "draft"
	ProposalOpen   ProposalStatus = "open"
	ProposalClosed ProposalStatus = "closed"
)

var proposalTransitions = map[ProposalStatus]ProposalStatus{
	ProposalDraft: ProposalOpen,
	ProposalOpen:  ProposalClosed,
}

type Proposal struct {
	ProposalID string         `json:"proposal_id"`
	ProjectID  string         `json:"project_id"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (p *Proposal) Validate() error {
	if p.ProposalID == "" || p.ProjectID == "" {
		return fmt.Errorf("%w: proposal_id and project_id are required", ErrInvalidEntity)
	}
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEntity)
	}
	return nil
}

// BountyStatus lifecycle: open -> assigned -> paid.
type BountyStatus string

const (
	BountyOpen     BountyStatus = "open"
	BountyAssigned BountyStatus = "assigned"
	BountyPaid     BountyStatus = "paid"
)

type Bounty struct {
	BountyID   string       `json:"bounty_id"`
	ProjectID  string       `json:"project_id"`
	Title      string       `json:"title"`
	Amount     int64        `json:"amount"`
	Status     BountyStatus `json:"status"`
	AssigneeID string       `json:"assignee_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (b *Bounty) Validate() error {
	if b.BountyID == "" || b.ProjectID == "" {
		return fmt.Errorf("%w: bounty_id and project_id are required", ErrInvalidEntity)
	}
	if b.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEntity)
	}
	if b.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEntity)
	}
	return nil
}
