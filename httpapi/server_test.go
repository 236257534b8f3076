package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowflow/arbiter"
	"escrowflow/audit"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
)

// Tokens understood by the fake auth service.
const (
	payerToken      = "payer-token"
	arbitratorToken = "arbitrator-token"
	adminToken      = "admin-token"
	premiumToken    = "premium-token"
)

type fakeAuth struct{}

func (fakeAuth) Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error) {
	return &auth.User{ID: "u1", Email: req.Email, FullName: req.FullName, Role: auth.RolePayer}, nil
}

func (fakeAuth) Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if req.Password != "strongpassword" {
		return auth.LoginResult{}, auth.ErrInvalidCredentials
	}
	return auth.LoginResult{Token: payerToken, User: auth.User{ID: "u1", Email: req.Email}}, nil
}

func (fakeAuth) VerifyToken(token string) (auth.Identity, error) {
	switch token {
	case payerToken:
		return auth.Identity{UserID: "payer", Role: auth.RolePayer}, nil
	case arbitratorToken:
		return auth.Identity{UserID: "arb1", Role: auth.RoleArbitrator}, nil
	case adminToken:
		return auth.Identity{UserID: "admin", Role: auth.RoleAdmin}, nil
	case premiumToken:
		return auth.Identity{UserID: "payer", Role: auth.RolePayer, Premium: true}, nil
	}
	return auth.Identity{}, fmt.Errorf("auth: invalid token")
}

type fakeEscrows struct {
	depositErr error
}

func (f *fakeEscrows) Create(ctx context.Context, actor string, params escrow.CreateParams) (escrow.Transaction, error) {
	if params.PayerID == params.PayeeID {
		return escrow.Transaction{}, fmt.Errorf("%w: payer and payee must differ", escrow.ErrInvalidArgument)
	}
	return escrow.Transaction{ID: "tx1", PayerID: params.PayerID, PayeeID: params.PayeeID,
		AmountCents: params.AmountCents, Currency: params.Currency, Status: escrow.StatusCreated}, nil
}

func (f *fakeEscrows) Deposit(ctx context.Context, id, actor string) (escrow.Transaction, error) {
	if f.depositErr != nil {
		return escrow.Transaction{}, f.depositErr
	}
	return escrow.Transaction{ID: id, Status: escrow.StatusDeposited}, nil
}

func (f *fakeEscrows) Release(ctx context.Context, id, actor string) (escrow.Transaction, error) {
	return escrow.Transaction{ID: id, Status: escrow.StatusReleased}, nil
}

func (f *fakeEscrows) Refund(ctx context.Context, id, actor string) (escrow.Transaction, error) {
	return escrow.Transaction{ID: id, Status: escrow.StatusRefunded}, nil
}

func (f *fakeEscrows) UpdateConditions(ctx context.Context, id, actor string, items []escrow.Condition) (escrow.Transaction, error) {
	return escrow.Transaction{ID: id, Status: escrow.StatusCreated}, nil
}

func (f *fakeEscrows) Get(ctx context.Context, id string) (escrow.Transaction, []escrow.Condition, error) {
	if id == "missing" {
		return escrow.Transaction{}, nil, escrow.ErrNotFound
	}
	return escrow.Transaction{ID: id, PayerID: "payer", PayeeID: "payee", Status: escrow.StatusDeposited},
		[]escrow.Condition{{Position: 1, Label: "goods received"}}, nil
}

type fakeDisputes struct {
	openErr error
	voteErr error
}

func (f *fakeDisputes) Open(ctx context.Context, params dispute.OpenParams) (dispute.Record, error) {
	if f.openErr != nil {
		return dispute.Record{}, f.openErr
	}
	return dispute.Record{ID: "d1", EscrowID: params.EscrowID, RaisedBy: params.RaisedBy,
		Against: params.Against, Status: dispute.StatusOpen, PanelSize: 3}, nil
}

func (f *fakeDisputes) AssignPanel(ctx context.Context, disputeID string, arbitratorIDs []string, actor string) (dispute.Record, error) {
	if len(arbitratorIDs) != 3 {
		return dispute.Record{}, dispute.ErrPanelSizeMismatch
	}
	return dispute.Record{ID: disputeID, Status: dispute.StatusVoting, PanelSize: 3}, nil
}

func (f *fakeDisputes) CastVote(ctx context.Context, disputeID, arbitratorID string, choice dispute.Choice) (dispute.Record, error) {
	if f.voteErr != nil {
		return dispute.Record{}, f.voteErr
	}
	return dispute.Record{ID: disputeID, Status: dispute.StatusVoting, VotesCast: 1}, nil
}

func (f *fakeDisputes) Get(ctx context.Context, id string) (dispute.Record, []string, []dispute.Vote, error) {
	return dispute.Record{ID: id, Status: dispute.StatusVoting, PanelSize: 3},
		[]string{"arb1", "arb2", "arb3"}, nil, nil
}

type fakeAudits struct{}

func (fakeAudits) Trail(ctx context.Context, subjectID string) ([]audit.Entry, audit.Verification, error) {
	return []audit.Entry{{SubjectID: subjectID, Seq: 1, Action: audit.ActionEscrowCreated, Payload: []byte(`{}`)}},
		audit.Verification{Valid: true, Entries: 1}, nil
}

func (fakeAudits) Anchor(ctx context.Context, subjectID string) (audit.Receipt, error) {
	return audit.Receipt{SubjectID: subjectID, HeadSeq: 1, HeadHash: "abc", Reference: "anchor-1"}, nil
}

type fakeArbiters struct{}

func (fakeArbiters) Roster(ctx context.Context, limit int) ([]arbiter.Profile, error) {
	return []arbiter.Profile{{ID: "arb1", FullName: "A One", Rating: 4}}, nil
}

func (fakeArbiters) SelectCandidates(ctx context.Context, escrowID string, n int) ([]arbiter.Profile, error) {
	return []arbiter.Profile{{ID: "arb1"}, {ID: "arb2"}, {ID: "arb3"}}, nil
}

type fakeIdempotency struct {
	seen map[string]bool
}

func (f *fakeIdempotency) Register(ctx context.Context, key string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type fakeSettlements struct{}

func (fakeSettlements) Retry(ctx context.Context, disputeID string) (escrow.Transaction, error) {
	return escrow.Transaction{ID: "tx1", Status: escrow.StatusRefunded}, nil
}

func testServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Escrows:     &fakeEscrows{},
		Disputes:    &fakeDisputes{},
		Audits:      fakeAudits{},
		Auth:        fakeAuth{},
		Arbiters:    fakeArbiters{},
		Settlements: fakeSettlements{},
		Hub:         events.NewHub(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/escrow/tx1", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "MissingToken" {
		t.Errorf("expected MissingToken, got %s", code)
	}
}

func TestGetEscrowReturnsConditions(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/escrow/tx1", payerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var view escrowView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.ID != "tx1" || len(view.Conditions) != 1 {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestDepositConflictMapsToInvalidStateTransition(t *testing.T) {
	srv := testServer(t, func(cfg *Config) {
		cfg.Escrows = &fakeEscrows{depositErr: escrow.ErrInvalidStateTransition}
	})

	rec := doRequest(t, srv, http.MethodPost, "/escrow/tx1/deposit", payerToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "InvalidStateTransition" {
		t.Errorf("expected InvalidStateTransition, got %s", code)
	}
}

func TestOpenDisputeDuplicateMapsTo409(t *testing.T) {
	srv := testServer(t, func(cfg *Config) {
		cfg.Disputes = &fakeDisputes{openErr: dispute.ErrDuplicateDispute}
	})

	rec := doRequest(t, srv, http.MethodPost, "/disputes/", payerToken,
		map[string]string{"escrow_id": "tx1", "against": "payee"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := decodeError(t, rec); code != "DuplicateDispute" {
		t.Errorf("expected DuplicateDispute, got %s", code)
	}
}

func TestCastVoteRequiresArbitratorRole(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/vote", payerToken,
		map[string]string{"choice": "approve"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for payer voting, got %d", rec.Code)
	}
}

func TestCastVoteNotAPanelistMapsTo403(t *testing.T) {
	srv := testServer(t, func(cfg *Config) {
		cfg.Disputes = &fakeDisputes{voteErr: dispute.ErrNotAPanelist}
	})

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/vote", arbitratorToken,
		map[string]string{"choice": "approve"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "NotAPanelist" {
		t.Errorf("expected NotAPanelist, got %s", code)
	}
}

func TestCastVoteAfterResolutionMapsTo409(t *testing.T) {
	srv := testServer(t, func(cfg *Config) {
		cfg.Disputes = &fakeDisputes{voteErr: dispute.ErrDisputeAlreadyResolved}
	})

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/vote", arbitratorToken,
		map[string]string{"choice": "approve"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "DisputeAlreadyResolved" {
		t.Errorf("expected DisputeAlreadyResolved, got %s", code)
	}
}

func TestAssignPanelSizeMismatchMapsTo400(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/panel", adminToken,
		map[string]any{"arbitrator_ids": []string{"arb1"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "PanelSizeMismatch" {
		t.Errorf("expected PanelSizeMismatch, got %s", code)
	}
}

func TestAssignPanelRequiresAdmin(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/panel", payerToken,
		map[string]any{"arbitrator_ids": []string{"arb1", "arb2", "arb3"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAnchorRequiresPremium(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/escrow/tx1/anchor", payerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-premium, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "PremiumRequired" {
		t.Errorf("expected PremiumRequired, got %s", code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/escrow/tx1/anchor", premiumToken, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for premium, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDisputeAnchorSharesPremiumGate(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/disputes/d1/anchor", payerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-premium, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "PremiumRequired" {
		t.Errorf("expected PremiumRequired, got %s", code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/disputes/d1/anchor", premiumToken, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for premium, got %d: %s", rec.Code, rec.Body.String())
	}

	var receipt map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt["subject_id"] != "d1" {
		t.Errorf("expected dispute subject in receipt, got %v", receipt["subject_id"])
	}
}

func TestIdempotencyKeyReplayRejected(t *testing.T) {
	srv := testServer(t, func(cfg *Config) {
		cfg.Idempotency = &fakeIdempotency{}
	})

	deposit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/escrow/tx1/deposit", nil)
		req.Header.Set("Authorization", "Bearer "+payerToken)
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := deposit(); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := deposit()
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected replay to be rejected with 409, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "DuplicateRequest" {
		t.Errorf("expected DuplicateRequest, got %s", code)
	}
}

func TestIdempotencyKeyOptional(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/escrow/tx1/deposit", payerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected deposit without key to pass, got %d", rec.Code)
	}
}

func TestCandidatesRequiresAdminAndEscrowID(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/disputes/candidates?escrow_id=tx1", payerToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/disputes/candidates", adminToken, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without escrow_id, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/disputes/candidates?escrow_id=tx1&n=3", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEscrowAuditReturnsVerification(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/escrow/tx1/audit", payerToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var view auditTrailView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if !view.Verification.Valid || view.Verification.Entries != 1 {
		t.Errorf("unexpected verification %+v", view.Verification)
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv := testServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/auth/login", "",
		map[string]string{"email": "a@example.com", "password": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeError(t, rec); code != "InvalidCredentials" {
		t.Errorf("expected InvalidCredentials, got %s", code)
	}
}
