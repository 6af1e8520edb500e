// Package oracleauth implements the HMAC-signed, replay-protected protocol
// guarding every privileged mutation endpoint.
package oracleauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Request headers carried by every signed call.
const (
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderRequestID = "X-Request-Id"
	HeaderSignature = "X-Signature"
	HeaderOracleID  = "X-Oracle-Id"
)

// SignatureStatus classifies an authentication attempt for the audit trail,
// independent of whether the guarded business action succeeded.
type SignatureStatus string

const (
	SignatureValid   SignatureStatus = "valid"
	SignatureInvalid SignatureStatus = "invalid"
	SignatureMissing SignatureStatus = "missing"
)

var (
	// ErrMissingSignature: one or more auth headers absent.
	ErrMissingSignature = errors.New("missing signature headers")
	// ErrExpired: timestamp outside the acceptance window.
	ErrExpired = errors.New("request timestamp outside acceptance window")
	// ErrInvalidSignature: signature does not match.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrReplay: request_id has already been accepted. Distinct from
	// ErrInvalidSignature so callers can tell a capture-replay from a
	// key mismatch.
	ErrReplay = errors.New("request replay detected")
)

// SignedRequest is the canonical-signing input.
type SignedRequest struct {
	Timestamp string // unix seconds, as sent on the wire
	RequestID string
	Method    string
	Path      string
	Body      []byte
}

// CanonicalString concatenates the signed fields. The raw body is bound via
// its SHA-256 so the signature covers the exact bytes delivered.
func (r SignedRequest) CanonicalString() string {
	bodyHash := sha256.Sum256(r.Body)
	return strings.Join([]string{
		r.Timestamp,
		r.RequestID,
		strings.ToUpper(r.Method),
		r.Path,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")
}

// Sign computes the hex HMAC-SHA256 of the canonical string.
func Sign(key []byte, r SignedRequest) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(r.CanonicalString()))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeriveKey derives a per-oracle signing key from the master secret with
// HKDF-SHA256, so individual oracle keys can be handed out and rotated
// without sharing the master.
func DeriveKey(master []byte, oracleID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte("cairn/oracle-hmac/"+oracleID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive oracle key: %w", err)
	}
	return key, nil
}

// Verifier checks signed requests against the acceptance policy. Nonce
// bookkeeping lives in the middleware; Verify itself is pure.
type Verifier struct {
	master []byte
	ttl    time.Duration
	skew   time.Duration
}

func NewVerifier(master []byte, ttl, skew time.Duration) *Verifier {
	return &Verifier{master: master, ttl: ttl, skew: skew}
}

// Verify checks, in order, the timestamp window and the signature. It does
// not consult the nonce table; replay detection happens atomically at the
// point of nonce insertion.
func (v *Verifier) Verify(oracleID, signature string, req SignedRequest, now time.Time) error {
	if req.Timestamp == "" || req.RequestID == "" || signature == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrExpired)
	}
	sent := time.Unix(ts, 0)
	if sent.Before(now.Add(-v.ttl-v.skew)) || sent.After(now.Add(v.skew)) {
		return ErrExpired
	}

	key, err := v.key(oracleID)
	if err != nil {
		return err
	}
	expected := Sign(key, req)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) key(oracleID string) ([]byte, error) {
	if oracleID == "" {
		oracleID = "default"
	}
	return DeriveKey(v.master, oracleID)
}
