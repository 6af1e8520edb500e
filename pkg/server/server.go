// Package server assembles the HTTP surface: oracle-signed mutation
// endpoints, open read endpoints and the JWT-guarded operator API.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/cairn-dev/cairn/pkg/api"
	"github.com/cairn-dev/cairn/pkg/audit"
	"github.com/cairn-dev/cairn/pkg/auth"
	"github.com/cairn-dev/cairn/pkg/dao"
	"github.com/cairn-dev/cairn/pkg/ledger"
	"github.com/cairn-dev/cairn/pkg/limiter"
	"github.com/cairn-dev/cairn/pkg/observability"
	"github.com/cairn-dev/cairn/pkg/oracleauth"
	"github.com/cairn-dev/cairn/pkg/outbox"
	"github.com/cairn-dev/cairn/pkg/reconcile"
	"github.com/cairn-dev/cairn/pkg/spend"
)

// Options carries the wired collaborators. Nil optional fields (Verifier,
// JWT, Limiter, Telemetry, Auditor) disable the corresponding layer.
type Options struct {
	DB       *sql.DB
	Entities *dao.SQLStore
	Ledger   *ledger.Store
	Queue    *outbox.Queue
	Engine   *reconcile.Engine
	Reports  *reconcile.ReportStore
	Policies *spend.SQLPolicyStore
	Payouts  *dao.PayoutService

	Verifier     *oracleauth.Verifier
	AuthOptional bool
	JWT          *auth.JWTValidator
	Auditor      audit.Logger

	Limiter   limiter.Store
	RatePerIP limiter.Policy
	// IPLimiter is the coarse outer per-IP guard; Limiter scopes by actor.
	IPLimiter *api.GlobalRateLimiter

	Telemetry *observability.Provider
	Logger    *slog.Logger
}

type Server struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger.With("component", "server")}
}

// Handler builds the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	limit := auth.RateLimit(s.opts.Limiter, s.opts.RatePerIP)

	// Oracle-signed mutations. The auth middleware owns the transaction the
	// handlers run in; the limiter sits outside it, keyed by the oracle id
	// header, so over-limit callers are shed before any HMAC work.
	signed := oracleauth.Middleware(oracleauth.MiddlewareConfig{
		Verifier: s.opts.Verifier,
		DB:       s.opts.DB,
		Attempts: oracleauth.NewAttemptRecorder(s.opts.DB, s.logger),
		Logger:   s.logger,
		Optional: s.opts.AuthOptional,
	})
	oracle := func(h http.HandlerFunc) http.Handler {
		return limit(signed(h))
	}
	mux.Handle("POST /api/outbox/enqueue", oracle(s.handleEnqueue))
	mux.Handle("POST /api/outbox/claim", oracle(s.handleClaim))
	mux.Handle("POST /api/outbox/{id}/complete", oracle(s.handleComplete))
	mux.Handle("POST /api/ledger/events", oracle(s.handleIngestEvent))
	mux.Handle("POST /api/reconciliation/compute", oracle(s.handleComputeReconciliation))

	// Open reads, limited by remote address.
	read := func(h http.HandlerFunc) http.Handler {
		return limit(h)
	}
	mux.Handle("GET /api/outbox/{id}", read(s.handleGetTask))
	mux.Handle("GET /api/ledger/events/{id}", read(s.handleGetEvent))
	mux.Handle("GET /api/ledger/accounts/{account}/balance", read(s.handleBalance))
	mux.Handle("GET /api/reconciliation/latest", read(s.handleLatestReconciliation))
	mux.Handle("GET /api/spend-policy/{project}", read(s.handleGetSpendPolicy))
	mux.Handle("GET /api/agents/{id}", read(s.handleGetAgent))
	mux.Handle("GET /api/agents/{id}/reputation", read(s.handleAgentReputation))
	mux.Handle("GET /api/projects/{id}", read(s.handleGetProject))
	mux.Handle("GET /api/proposals/{id}", read(s.handleGetProposal))
	mux.Handle("GET /api/bounties/{id}", read(s.handleGetBounty))

	// Operator mutations behind JWT. The limiter runs after the JWT
	// middleware so it keys on the authenticated principal, not the address
	// of whatever proxy fronts the operators.
	operator := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(s.opts.JWT)(limit(auth.RequireRole(auth.RoleOperator, h)))
	}
	mux.Handle("PUT /api/spend-policy/{project}", operator(s.handlePutSpendPolicy))
	mux.Handle("POST /api/agents", operator(s.handleCreateAgent))
	mux.Handle("POST /api/projects", operator(s.handleCreateProject))
	mux.Handle("POST /api/proposals", operator(s.handleCreateProposal))
	mux.Handle("POST /api/proposals/{id}/advance", operator(s.handleAdvanceProposal))
	mux.Handle("POST /api/bounties", operator(s.handleCreateBounty))
	mux.Handle("POST /api/bounties/{id}/assign", operator(s.handleAssignBounty))
	mux.Handle("POST /api/bounties/{id}/payout", operator(s.handlePayout))

	var handler http.Handler = mux
	if s.opts.IPLimiter != nil {
		handler = s.opts.IPLimiter.Middleware(handler)
	}
	if s.opts.Telemetry != nil {
		handler = s.opts.Telemetry.Middleware(handler)
	}
	handler = auth.RequestID(handler)
	return handler
}

// ListenAndServe runs the server with sane timeouts.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.logger.Info("listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.DB.PingContext(r.Context()); err != nil {
		api.WriteError(w, http.StatusServiceUnavailable, "Unhealthy", "database unreachable")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
