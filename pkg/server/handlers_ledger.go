package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/reconcile"
)

type ingestEventRequest struct {
	EventID        string `json:"event_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`
	Account        string `json:"account"`
	Amount         int64  `json:"amount"`
	Source         string `json:"source"`
	RefType        string `json:"ref_type,omitempty"`
	RefID          string `json:"ref_id,omitempty"`
}

type eventResponse struct {
	Event   ledger.Event `json:"event"`
	Created bool         `json:"created"`
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventID == "" {
		req.EventID = uuid.New().String()
	}

	event, created, err := s.opts.Ledger.Ingest(r.Context(), ledger.Event{
		EventID:        req.EventID,
		IdempotencyKey: req.IdempotencyKey,
		Kind:           ledger.EventKind(req.Kind),
		Account:        req.Account,
		Amount:         req.Amount,
		Source:         req.Source,
		RefType:        req.RefType,
		RefID:          req.RefID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, eventResponse{Event: event, Created: created})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.opts.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, eventResponse{Event: event})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := r.PathValue("account")
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.WriteBadRequest(w, "as_of must be RFC 3339")
			return
		}
		asOf = parsed
	}

	balance, err := s.opts.Ledger.Balance(r.Context(), account, asOf)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": balance,
		"as_of":   asOf,
	})
}

type computeRequest struct {
	Kind    string `json:"kind"`
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (s *Server) handleComputeReconciliation(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" || req.Address == "" {
		api.WriteBadRequest(w, "kind and address are required")
		return
	}

	report, err := s.opts.Engine.Compute(r.Context(), reconcile.Subject{Kind: req.Kind, ID: req.ID, Address: req.Address})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleLatestReconciliation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subject := reconcile.Subject{Kind: q.Get("kind"), ID: q.Get("id"), Address: q.Get("address")}
	if subject.Kind == "" {
		api.WriteBadRequest(w, "kind is required")
		return
	}

	report, err := s.opts.Reports.Latest(r.Context(), subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}
