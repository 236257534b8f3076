package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowflow/dispute"
)

type openDisputeRequest struct {
	EscrowID string `json:"escrow_id"`
	Against  string `json:"against"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	rec, err := s.disputes.Open(r.Context(), dispute.OpenParams{
		EscrowID: req.EscrowID,
		RaisedBy: identity.UserID,
		Against:  req.Against,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec, nil, nil))
}

type assignPanelRequest struct {
	ArbitratorIDs []string `json:"arbitrator_ids"`
}

func (s *Server) handleAssignPanel(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req assignPanelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	rec, err := s.disputes.AssignPanel(r.Context(), chi.URLParam(r, "disputeID"), req.ArbitratorIDs, identity.UserID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec, req.ArbitratorIDs, nil))
}

type castVoteRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}

	rec, err := s.disputes.CastVote(r.Context(), chi.URLParam(r, "disputeID"), identity.UserID, dispute.Choice(req.Choice))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeView(rec, nil, nil))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, panel, votes, err := s.disputes.Get(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeView(rec, panel, votes))
}

func (s *Server) handleDisputeAudit(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "disputeID")
	entries, verification, err := s.audits.Trail(r.Context(), subjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditTrailView(subjectID, entries, verification))
}

// handleDisputeAnchor submits the dispute chain head to the external
// notarization ledger.
func (s *Server) handleDisputeAnchor(w http.ResponseWriter, r *http.Request) {
	s.anchorSubject(w, r, chi.URLParam(r, "disputeID"))
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	escrowID := r.URL.Query().Get("escrow_id")
	if escrowID == "" {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))

	candidates, err := s.arbiters.SelectCandidates(r.Context(), escrowID, n)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": toArbiterViews(candidates)})
}

func (s *Server) handleSettlementRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.settlements.Retry(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowView(rec, nil))
}
