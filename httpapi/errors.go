package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"escrowflow/arbiter"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/settlement"
)

// errorBody is the uniform error envelope: {"error": "<code>"}.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

// mapError translates a domain sentinel into its stable wire code. Unknown
// errors are reported as a persistence failure: the transaction rolled back
// and nothing was written.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, arbiter.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "NotFound")

	case errors.Is(err, escrow.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "InvalidStateTransition")
	case errors.Is(err, dispute.ErrDuplicateDispute):
		writeError(w, http.StatusConflict, "DuplicateDispute")
	case errors.Is(err, dispute.ErrDuplicateVote):
		writeError(w, http.StatusConflict, "DuplicateVote")
	case errors.Is(err, dispute.ErrDisputeAlreadyResolved):
		writeError(w, http.StatusConflict, "DisputeAlreadyResolved")
	case errors.Is(err, dispute.ErrDisputeNotVoting):
		writeError(w, http.StatusConflict, "DisputeNotVoting")
	case errors.Is(err, dispute.ErrDisputeNotOpen):
		writeError(w, http.StatusConflict, "DisputeNotOpen")
	case errors.Is(err, settlement.ErrNotSettleable):
		writeError(w, http.StatusConflict, "NotSettleable")

	case errors.Is(err, dispute.ErrNotAPanelist):
		writeError(w, http.StatusForbidden, "NotAPanelist")

	case errors.Is(err, dispute.ErrPanelSizeMismatch):
		writeError(w, http.StatusBadRequest, "PanelSizeMismatch")
	case errors.Is(err, escrow.ErrInvalidArgument), errors.Is(err, dispute.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "InvalidArgument")

	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "InvalidCredentials")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "DuplicateEmail")
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, "WeakPassword")

	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "PersistenceFailure")
	}
}
