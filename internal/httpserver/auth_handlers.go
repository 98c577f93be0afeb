package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/auth"
)

// handleIssueToken trades an allow-listed user id for a signed bearer token.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("User ID is required"))
		return
	}
	token, expires, err := s.auth.IssueToken(userID)
	switch {
	case errors.Is(err, auth.ErrTokensDisabled):
		s.respondError(w, http.StatusNotFound, errors.New("Token issuance is disabled"))
		return
	case errors.Is(err, auth.ErrUnknownUser):
		s.respondError(w, http.StatusForbidden, errors.New("Unknown user"))
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"userId":    userID,
		"expiresAt": expires.UTC().Format(time.RFC3339),
	})
}
