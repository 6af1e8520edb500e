package oracleauth_test

import (
	"bytes"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-dev/cairn/pkg/oracleauth"
	"github.com/cairn-dev/cairn/pkg/store"
	"github.com/cairn-dev/cairn/pkg/store/storetest"
)

var masterKey = []byte("middleware-test-master")

type testEnv struct {
	db      *sql.DB
	handler http.Handler
	calls   *int
}

func newEnv(t *testing.T, optional bool, handler http.HandlerFunc) testEnv {
	t.Helper()
	db := storetest.NewDB(t)
	calls := 0
	if handler == nil {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}
	counted := func(w http.ResponseWriter, r *http.Request) {
		calls++
		handler(w, r)
	}
	mw := oracleauth.Middleware(oracleauth.MiddlewareConfig{
		Verifier: oracleauth.NewVerifier(masterKey, 5*time.Minute, 30*time.Second),
		DB:       db,
		Attempts: oracleauth.NewAttemptRecorder(db, nil),
		Optional: optional,
	})
	return testEnv{db: db, handler: mw(http.HandlerFunc(counted)), calls: &calls}
}

func sign(t *testing.T, r *http.Request, requestID string, body []byte) {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().Unix())
	key, err := oracleauth.DeriveKey(masterKey, "default")
	require.NoError(t, err)
	sig := oracleauth.Sign(key, oracleauth.SignedRequest{
		Timestamp: ts,
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      body,
	})
	r.Header.Set(oracleauth.HeaderTimestamp, ts)
	r.Header.Set(oracleauth.HeaderRequestID, requestID)
	r.Header.Set(oracleauth.HeaderSignature, sig)
}

func signedPost(t *testing.T, requestID string, body []byte) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(body))
	sign(t, r, requestID, body)
	return r
}

func attemptOutcomes(t *testing.T, db *sql.DB, requestID string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT outcome FROM oracle_attempts WHERE request_id = $1 ORDER BY attempted_at`, requestID)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		require.NoError(t, rows.Scan(&o))
		out = append(out, o)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestMiddleware_ValidSignatureCommits(t *testing.T) {
	var env testEnv
	env = newEnv(t, false, func(w http.ResponseWriter, r *http.Request) {
		// Mutation runs inside the nonce transaction handed over via context.
		q := store.QuerierFrom(r.Context(), env.db)
		_, err := q.ExecContext(r.Context(),
			`INSERT INTO agents (agent_id, handle, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
			"agent-mw", "mw", time.Now().UTC(), time.Now().UTC())
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	})

	body := []byte(`{"display_name":"mw"}`)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, signedPost(t, "req-commit", body))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, *env.calls)

	var n int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE agent_id = 'agent-mw'`).Scan(&n))
	assert.Equal(t, 1, n, "mutation must be committed alongside the nonce")

	assert.Equal(t, []string{"accepted"}, attemptOutcomes(t, env.db, "req-commit"))
}

func TestMiddleware_IdenticalResendIsReplay(t *testing.T) {
	env := newEnv(t, false, nil)
	body := []byte(`{"n":1}`)
	req := signedPost(t, "req-replay", body)

	first := httptest.NewRecorder()
	env.handler.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	// Exact same headers and body: the signature is still valid, but the
	// request_id was already accepted.
	resend := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(body))
	resend.Header = req.Header.Clone()
	second := httptest.NewRecorder()
	env.handler.ServeHTTP(second, resend)

	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), "Replay Detected")
	assert.Equal(t, 1, *env.calls, "replayed request must not reach the handler")
	assert.Equal(t, []string{"accepted", "rejected_replay"}, attemptOutcomes(t, env.db, "req-replay"))
}

func TestMiddleware_TamperedBodyRejected(t *testing.T) {
	env := newEnv(t, false, nil)

	body := []byte(`{"amount":100}`)
	req := signedPost(t, "req-tamper", body)
	tampered := []byte(`{"amount":999999}`)
	req.Body = httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(tampered)).Body
	req.ContentLength = int64(len(tampered))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid signature")
	assert.Equal(t, 0, *env.calls)
	assert.Equal(t, []string{"rejected_signature"}, attemptOutcomes(t, env.db, "req-tamper"))
}

func TestMiddleware_ExpiredTimestampRejected(t *testing.T) {
	env := newEnv(t, false, nil)

	body := []byte(`{}`)
	r := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(body))
	ts := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	key, err := oracleauth.DeriveKey(masterKey, "default")
	require.NoError(t, err)
	sig := oracleauth.Sign(key, oracleauth.SignedRequest{
		Timestamp: ts, RequestID: "req-old", Method: "POST", Path: "/api/mutate", Body: body,
	})
	r.Header.Set(oracleauth.HeaderTimestamp, ts)
	r.Header.Set(oracleauth.HeaderRequestID, "req-old")
	r.Header.Set(oracleauth.HeaderSignature, sig)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "acceptance window")
	assert.Equal(t, []string{"rejected_expired"}, attemptOutcomes(t, env.db, "req-old"))
}

func TestMiddleware_PartialHeadersRejected(t *testing.T) {
	env := newEnv(t, true, nil)

	// Timestamp present but signature missing: even in optional mode a
	// partially signed request is rejected, not passed through.
	r := httptest.NewRequest(http.MethodPost, "/api/mutate", nil)
	r.Header.Set(oracleauth.HeaderTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	r.Header.Set(oracleauth.HeaderRequestID, "req-partial")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, *env.calls)
}

func TestMiddleware_UnsignedRequest(t *testing.T) {
	t.Run("rejected when auth required", func(t *testing.T) {
		env := newEnv(t, false, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, *env.calls)
	})

	t.Run("accepted in optional mode", func(t *testing.T) {
		env := newEnv(t, true, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mutate", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, *env.calls)
	})
}

func TestMiddleware_HandlerFailureReleasesNonce(t *testing.T) {
	fail := true
	var env testEnv
	env = newEnv(t, false, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		q := store.QuerierFrom(r.Context(), env.db)
		_, err := q.ExecContext(r.Context(),
			`INSERT INTO agents (agent_id, handle, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
			"agent-retry", "retry", time.Now().UTC(), time.Now().UTC())
		require.NoError(t, err)
		w.WriteHeader(http.StatusCreated)
	})

	body := []byte(`{"display_name":"retry"}`)
	req := signedPost(t, "req-retry", body)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The 5xx rolled the transaction back: the nonce was not burned.
	var n int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM oracle_nonces WHERE request_id = 'req-retry'`).Scan(&n))
	assert.Equal(t, 0, n)

	// Retrying with the exact same signed request now succeeds.
	fail = false
	retry := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(body))
	retry.Header = req.Header.Clone()
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, retry)

	assert.Equal(t, http.StatusCreated, rec2.Code)
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM oracle_nonces WHERE request_id = 'req-retry'`).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"accepted_mutation_failed", "accepted"}, attemptOutcomes(t, env.db, "req-retry"))
}

func TestMiddleware_ClientErrorBurnsNonce(t *testing.T) {
	env := newEnv(t, false, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	body := []byte(`{"bad":"input"}`)
	req := signedPost(t, "req-422", body)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Deterministic rejections commit the nonce: resending the identical
	// request is a replay, not another validation round-trip.
	resend := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(body))
	resend.Header = req.Header.Clone()
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, resend)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestMiddleware_OversizedBodyRejected(t *testing.T) {
	env := newEnv(t, false, nil)

	big := bytes.Repeat([]byte("x"), oracleauth.MaxSignedBodyBytes+1)
	r := httptest.NewRequest(http.MethodPost, "/api/mutate", bytes.NewReader(big))
	sign(t, r, "req-big", big)

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, *env.calls)
}
