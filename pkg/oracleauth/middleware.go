package oracleauth

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/store"
)

// MaxSignedBodyBytes bounds the body read for signature verification.
const MaxSignedBodyBytes = 1 << 20

// MiddlewareConfig wires the oracle-auth gate.
type MiddlewareConfig struct {
	Verifier *Verifier
	DB       *sql.DB
	Attempts *AttemptRecorder
	Logger   *slog.Logger
	// Optional accepts unsigned requests when no auth headers are present
	// (legacy mode, behind a feature flag; signed requests are still fully
	// verified).
	Optional bool
}

// Middleware authenticates signed requests and makes the nonce insertion
// atomic with the guarded mutation: it opens a transaction, claims the
// request_id inside it, hands the transaction to the handler via context,
// and commits only when the handler reports success. A 5xx rolls the
// transaction back, so a failed mutation does not burn the nonce and the
// caller may retry with the same request_id.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "oracleauth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBodyBytes+1))
			if err != nil {
				api.WriteBadRequest(w, "unreadable request body")
				return
			}
			if len(body) > MaxSignedBodyBytes {
				api.WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "signed body exceeds limit")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			oracleID := r.Header.Get(HeaderOracleID)
			attempt := Attempt{
				RequestID:  r.Header.Get(HeaderRequestID),
				OracleID:   oracleID,
				Method:     r.Method,
				Path:       r.URL.Path,
				RemoteAddr: r.RemoteAddr,
			}

			signature := r.Header.Get(HeaderSignature)
			timestamp := r.Header.Get(HeaderTimestamp)

			if signature == "" && timestamp == "" && attempt.RequestID == "" {
				attempt.SignatureStatus = SignatureMissing
				if cfg.Optional {
					attempt.Outcome = "accepted_unsigned"
					cfg.Attempts.Record(r.Context(), attempt)
					next.ServeHTTP(w, r)
					return
				}
				attempt.Outcome = "rejected_signature"
				cfg.Attempts.Record(r.Context(), attempt)
				api.WriteUnauthorized(w, "signed request required")
				return
			}

			req := SignedRequest{
				Timestamp: timestamp,
				RequestID: attempt.RequestID,
				Method:    r.Method,
				Path:      r.URL.Path,
				Body:      body,
			}
			switch err := cfg.Verifier.Verify(oracleID, signature, req, time.Now()); {
			case err == nil:
				attempt.SignatureStatus = SignatureValid
			case errors.Is(err, ErrMissingSignature):
				attempt.SignatureStatus = SignatureMissing
				attempt.Outcome = "rejected_signature"
				cfg.Attempts.Record(r.Context(), attempt)
				api.WriteUnauthorized(w, "missing signature headers")
				return
			case errors.Is(err, ErrExpired):
				attempt.SignatureStatus = SignatureInvalid
				attempt.Outcome = "rejected_expired"
				cfg.Attempts.Record(r.Context(), attempt)
				api.WriteUnauthorized(w, "request timestamp outside acceptance window")
				return
			default:
				attempt.SignatureStatus = SignatureInvalid
				attempt.Outcome = "rejected_signature"
				cfg.Attempts.Record(r.Context(), attempt)
				api.WriteUnauthorized(w, "invalid signature")
				return
			}

			tx, err := cfg.DB.BeginTx(r.Context(), nil)
			if err != nil {
				api.WriteInternal(w, err)
				return
			}

			created, err := store.InsertOrGet(r.Context(), tx,
				`INSERT INTO oracle_nonces (request_id, seen_at) VALUES ($1, $2)`,
				[]any{attempt.RequestID, time.Now().UTC()},
				func(ctx context.Context) error {
					var id string
					return tx.QueryRowContext(ctx, `SELECT request_id FROM oracle_nonces WHERE request_id = $1`, attempt.RequestID).Scan(&id)
				})
			if err != nil {
				_ = tx.Rollback()
				api.WriteInternal(w, err)
				return
			}
			if !created {
				// The uniqueness violation IS the replay signal: the
				// signature is mathematically valid, yet the request_id
				// was already accepted once.
				_ = tx.Rollback()
				attempt.Outcome = "rejected_replay"
				cfg.Attempts.Record(r.Context(), attempt)
				api.WriteError(w, http.StatusConflict, "Replay Detected", "request_id has already been used")
				return
			}

			// Buffer the handler's response so a failed commit can still
			// report an error to the caller.
			buf := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					_ = tx.Rollback()
					panic(p)
				}
			}()
			next.ServeHTTP(buf, r.WithContext(store.ContextWithTx(r.Context(), tx)))

			if buf.status >= http.StatusInternalServerError {
				_ = tx.Rollback()
				attempt.Outcome = "accepted_mutation_failed"
				cfg.Attempts.Record(r.Context(), attempt)
				buf.flush(w)
				return
			}
			if err := tx.Commit(); err != nil {
				logger.ErrorContext(r.Context(), "commit failed after guarded mutation", "request_id", attempt.RequestID, "error", err)
				api.WriteInternal(w, err)
				return
			}
			attempt.Outcome = "accepted"
			cfg.Attempts.Record(r.Context(), attempt)
			buf.flush(w)
		})
	}
}

// bufferedResponse captures the handler's output until the transaction
// outcome is known.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for k, vs := range b.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}
