package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/escrow"
)

type createEscrowRequest struct {
	PayerID     string   `json:"payer_id"`
	PayeeID     string   `json:"payee_id"`
	AmountCents int64    `json:"amount_cents"`
	Currency    string   `json:"currency"`
	Conditions  []string `json:"conditions"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	rec, err := s.escrows.Create(r.Context(), identity.UserID, escrow.CreateParams{
		PayerID:     req.PayerID,
		PayeeID:     req.PayeeID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Conditions:  req.Conditions,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowView(rec, nil))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	rec, conditions, err := s.escrows.Get(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowView(rec, conditions))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.escrows.Deposit)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.escrows.Release)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.escrows.Refund)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actor string) (escrow.Transaction, error)) {
	identity, _ := identityFrom(r.Context())

	if key := r.Header.Get("Idempotency-Key"); key != "" && s.idempotency != nil {
		fresh, err := s.idempotency.Register(r.Context(), key)
		if err != nil {
			s.mapError(w, err)
			return
		}
		if !fresh {
			writeError(w, http.StatusConflict, "DuplicateRequest")
			return
		}
	}

	rec, err := op(r.Context(), chi.URLParam(r, "txID"), identity.UserID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowView(rec, nil))
}

type updateConditionsRequest struct {
	Conditions []conditionView `json:"conditions"`
}

func (s *Server) handleUpdateConditions(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req updateConditionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	items := make([]escrow.Condition, 0, len(req.Conditions))
	for _, c := range req.Conditions {
		items = append(items, escrow.Condition(c))
	}

	rec, err := s.escrows.UpdateConditions(r.Context(), chi.URLParam(r, "txID"), identity.UserID, items)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowView(rec, items))
}

func (s *Server) handleEscrowAudit(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "txID")
	entries, verification, err := s.audits.Trail(r.Context(), subjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditTrailView(subjectID, entries, verification))
}

// handleAnchor submits the escrow chain head to the external notarization
// ledger.
func (s *Server) handleAnchor(w http.ResponseWriter, r *http.Request) {
	s.anchorSubject(w, r, chi.URLParam(r, "txID"))
}

// anchorSubject anchors any subject's hash chain. Gated to premium accounts.
func (s *Server) anchorSubject(w http.ResponseWriter, r *http.Request, subjectID string) {
	identity, _ := identityFrom(r.Context())
	if !identity.Premium && identity.Role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "PremiumRequired")
		return
	}

	receipt, err := s.audits.Anchor(r.Context(), subjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"subject_id": receipt.SubjectID,
		"head_seq":   receipt.HeadSeq,
		"head_hash":  receipt.HeadHash,
		"reference":  receipt.Reference,
	})
}
