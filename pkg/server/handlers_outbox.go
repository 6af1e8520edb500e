package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/outbox"
)

type enqueueRequest struct {
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type taskResponse struct {
	Task    outbox.Task `json:"task"`
	Created bool        `json:"created"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, created, err := s.opts.Queue.Enqueue(r.Context(), req.TaskType, req.Payload, req.IdempotencyKey)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.WriteJSON(w, status, taskResponse{Task: task, Created: created})
}

type claimRequest struct {
	WorkerID       string `json:"worker_id"`
	LockTTLSeconds int    `json:"lock_ttl_seconds,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		api.WriteBadRequest(w, "worker_id is required")
		return
	}
	lockTTL := 2 * time.Minute
	if req.LockTTLSeconds > 0 {
		lockTTL = time.Duration(req.LockTTLSeconds) * time.Second
	}

	task, err := s.opts.Queue.Claim(r.Context(), req.WorkerID, lockTTL)
	if errors.Is(err, outbox.ErrNoTaskAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskResponse{Task: task, Created: false})
}

type completeRequest struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		api.WriteBadRequest(w, "worker_id is required")
		return
	}
	status := outbox.TaskStatus(req.Status)
	if !status.Terminal() {
		api.WriteBadRequest(w, "status must be succeeded or failed")
		return
	}

	task, err := s.opts.Queue.Complete(r.Context(), r.PathValue("id"), req.WorkerID, status, req.Result, req.TxHash, req.Error)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskResponse{Task: task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.opts.Queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, taskResponse{Task: task})
}
