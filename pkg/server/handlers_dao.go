package server

import (
	"net/http"
	"time"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/audit"
	"github.com/cairn-dev/cairn/pkg/dao"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/spend"
)

func (s *Server) handleGetSpendPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.opts.Policies.Resolve(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, policy)
}

type putPolicyRequest struct {
	PerBountyCap *int64 `json:"per_bounty_cap"`
	PerDayCap    *int64 `json:"per_day_cap"`
	PerMonthCap  *int64 `json:"per_month_cap"`
}

func (s *Server) handlePutSpendPolicy(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	var req putPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, c := range []*int64{req.PerBountyCap, req.PerDayCap, req.PerMonthCap} {
		if c != nil && *c < 0 {
			api.WriteBadRequest(w, "caps must not be negative")
			return
		}
	}

	policy := spend.Policy{
		ProjectID:    projectID,
		PerBountyCap: req.PerBountyCap,
		PerDayCap:    req.PerDayCap,
		PerMonthCap:  req.PerMonthCap,
	}
	if err := s.opts.Policies.Set(r.Context(), policy); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.audit(r, audit.EventPolicy, "spend_policy.update", "project:"+projectID, map[string]any{
		"per_bounty_cap": req.PerBountyCap,
		"per_day_cap":    req.PerDayCap,
		"per_month_cap":  req.PerMonthCap,
	})

	stored, err := s.opts.Policies.Resolve(r.Context(), projectID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stored)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req dao.Agent
	if !decodeJSON(w, r, &req) {
		return
	}
	agent, created, err := s.opts.Entities.CreateAgent(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.opts.Entities.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, agent)
}

// Reputation is not a stored column; it is the sum of reputation events on
// the agent's ledger account.
func (s *Server) handleAgentReputation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.opts.Entities.GetAgent(r.Context(), agentID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	reputation, err := s.opts.Ledger.Balance(r.Context(), ledger.AgentAccount(agentID), time.Now().UTC())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"agent_id":   agentID,
		"reputation": reputation,
	})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req dao.Project
	if !decodeJSON(w, r, &req) {
		return
	}
	project, created, err := s.opts.Entities.CreateProject(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.opts.Entities.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, project)
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req dao.Proposal
	if !decodeJSON(w, r, &req) {
		return
	}
	proposal, err := s.opts.Entities.CreateProposal(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, proposal)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	proposal, err := s.opts.Entities.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, proposal)
}

type advanceProposalRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleAdvanceProposal(w http.ResponseWriter, r *http.Request) {
	var req advanceProposalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	proposal, err := s.opts.Entities.AdvanceProposal(r.Context(), r.PathValue("id"), dao.ProposalStatus(req.Status))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, proposal)
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	var req dao.Bounty
	if !decodeJSON(w, r, &req) {
		return
	}
	bounty, err := s.opts.Entities.CreateBounty(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, bounty)
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	bounty, err := s.opts.Entities.GetBounty(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, bounty)
}

type assignBountyRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAssignBounty(w http.ResponseWriter, r *http.Request) {
	var req assignBountyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		api.WriteBadRequest(w, "agent_id is required")
		return
	}
	bounty, err := s.opts.Entities.AssignBounty(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, bounty)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	auth, err := s.opts.Payouts.Authorize(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if auth.Created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, auth)
}

func (s *Server) audit(r *http.Request, eventType audit.EventType, action, resource string, metadata map[string]any) {
	if s.opts.Auditor == nil {
		return
	}
	if err := s.opts.Auditor.Record(r.Context(), eventType, action, resource, metadata); err != nil {
		s.logger.ErrorContext(r.Context(), "audit record failed", "action", action, "error", err)
	}
}
