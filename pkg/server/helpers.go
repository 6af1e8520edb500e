package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/dao"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/store"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		api.WriteBadRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Policy
// denials are 409s carrying a structured blocked_reason; validation failures
// are 400s; unknown entities 404; everything unexpected is a 500 with the
// detail kept server-side.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var blocked *dao.BlockedError
	switch {
	case errors.As(err, &blocked):
		api.WriteBlocked(w, http.StatusConflict, "Payout Blocked", blocked.Reason, blocked.Error())
	case errors.Is(err, ledger.ErrInvalidEvent),
		errors.Is(err, outbox.ErrInvalidTask),
		errors.Is(err, dao.ErrInvalidEntity):
		api.WriteBadRequest(w, err.Error())
	case errors.Is(err, outbox.ErrKeyPayloadMismatch):
		api.WriteConflict(w, "Idempotency Key Conflict", err.Error())
	case errors.Is(err, dao.ErrInvalidTransition):
		api.WriteConflict(w, "Invalid Transition", err.Error())
	case errors.Is(err, store.ErrNotFound):
		api.WriteNotFound(w, "resource not found")
	default:
		api.WriteInternal(w, err)
	}
}
