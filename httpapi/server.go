package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowflow/arbiter"
	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
)

// EscrowService is the ledger surface the API exposes.
type EscrowService interface {
	Create(ctx context.Context, actor string, params escrow.CreateParams) (escrow.Transaction, error)
	Deposit(ctx context.Context, id, actor string) (escrow.Transaction, error)
	Release(ctx context.Context, id, actor string) (escrow.Transaction, error)
	Refund(ctx context.Context, id, actor string) (escrow.Transaction, error)
	UpdateConditions(ctx context.Context, id, actor string, items []escrow.Condition) (escrow.Transaction, error)
	Get(ctx context.Context, id string) (escrow.Transaction, []escrow.Condition, error)
}

// DisputeService is the arbitration surface the API exposes.
type DisputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error)
	AssignPanel(ctx context.Context, disputeID string, arbitratorIDs []string, actor string) (dispute.Record, error)
	CastVote(ctx context.Context, disputeID, arbitratorID string, choice dispute.Choice) (dispute.Record, error)
	Get(ctx context.Context, id string) (dispute.Record, []string, []dispute.Vote, error)
}

// AuditService reads and anchors hash chains.
type AuditService interface {
	Trail(ctx context.Context, subjectID string) ([]audit.Entry, audit.Verification, error)
	Anchor(ctx context.Context, subjectID string) (audit.Receipt, error)
}

// AuthService issues and verifies caller identity.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (auth.Identity, error)
}

// ArbiterService lists the roster and selects panel candidates.
type ArbiterService interface {
	Roster(ctx context.Context, limit int) ([]arbiter.Profile, error)
	SelectCandidates(ctx context.Context, escrowID string, n int) ([]arbiter.Profile, error)
}

// SettlementService replays parked settlements.
type SettlementService interface {
	Retry(ctx context.Context, disputeID string) (escrow.Transaction, error)
}

// IdempotencyStore claims client retry keys on fund-moving endpoints. The
// first request under a key wins; a replay is rejected before it reaches the
// ledger.
type IdempotencyStore interface {
	Register(ctx context.Context, key string) (bool, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Escrows     EscrowService
	Disputes    DisputeService
	Audits      AuditService
	Auth        AuthService
	Arbiters    ArbiterService
	Settlements SettlementService
	Idempotency IdempotencyStore
	Hub         *events.Hub
	Logger      *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	escrows     EscrowService
	disputes    DisputeService
	audits      AuditService
	auth        AuthService
	arbiters    ArbiterService
	settlements SettlementService
	idempotency IdempotencyStore
	hub         *events.Hub
	logger      *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with JWT authentication.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		escrows:     cfg.Escrows,
		disputes:    cfg.Disputes,
		audits:      cfg.Audits,
		auth:        cfg.Auth,
		arbiters:    cfg.Arbiters,
		settlements: cfg.Settlements,
		idempotency: cfg.Idempotency,
		hub:         cfg.Hub,
		logger:      logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.measure)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.authenticate)

		protected.Route("/escrow", func(e chi.Router) {
			e.Post("/", s.handleCreateEscrow)
			e.Get("/{txID}", s.handleGetEscrow)
			e.Post("/{txID}/deposit", s.handleDeposit)
			e.Post("/{txID}/release", s.handleRelease)
			e.Post("/{txID}/refund", s.handleRefund)
			e.Put("/{txID}/conditions", s.handleUpdateConditions)
			e.Get("/{txID}/audit", s.handleEscrowAudit)
			e.Post("/{txID}/anchor", s.handleAnchor)
		})

		protected.Route("/disputes", func(d chi.Router) {
			d.Post("/", s.handleOpenDispute)
			d.With(s.requireRole(auth.RoleAdmin)).Get("/candidates", s.handleCandidates)
			d.Get("/{disputeID}", s.handleGetDispute)
			d.Get("/{disputeID}/audit", s.handleDisputeAudit)
			d.Post("/{disputeID}/anchor", s.handleDisputeAnchor)
			d.With(s.requireRole(auth.RoleAdmin)).Post("/{disputeID}/panel", s.handleAssignPanel)
			d.With(s.requireRole(auth.RoleArbitrator)).Post("/{disputeID}/vote", s.handleCastVote)
			d.With(s.requireRole(auth.RoleAdmin)).Post("/{disputeID}/settlement/retry", s.handleSettlementRetry)
		})

		protected.Get("/ws", s.handleWebSocket)
	})

	return r
}
