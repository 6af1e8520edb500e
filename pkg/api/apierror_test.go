package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "Bad Request", "amount must be positive")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://cairn.dev/errors/400", p.Type)
	assert.Equal(t, "Bad Request", p.Title)
	assert.Equal(t, "amount must be positive", p.Detail)
	assert.Empty(t, p.BlockedReason)
}

func TestWriteBlocked(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteBlocked(rec, http.StatusConflict, "Payout Blocked", "per_day_cap_exceeded", "daily cap reached")

	assert.Equal(t, http.StatusConflict, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "https://cairn.dev/errors/policy-violation", p.Type)
	assert.Equal(t, "per_day_cap_exceeded", p.BlockedReason)
}

func TestWriteTooManyRequests(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTooManyRequests(rec, 7)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "7", rec.Header().Get("Retry-After"))
}

func TestWriteInternal_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInternal(rec, errors.New("pq: connection reset"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq: connection reset")
}

func TestProblemDetail_Error(t *testing.T) {
	p := &ProblemDetail{Title: "Conflict", Detail: "replayed request"}
	assert.Equal(t, "Conflict: replayed request", p.Error())
}

func TestGlobalRateLimiter(t *testing.T) {
	rl := NewGlobalRateLimiter(1, 2)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rl.Middleware(next)

	send := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/agents/a1", nil)
		r.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}

	// Burst of 2, then denial.
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1234"))

	// A different client is unaffected.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"))
}
