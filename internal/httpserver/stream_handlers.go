package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, GET")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *Server) handleStreamPreflight(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleStream sends a new message when the body carries one and resumes
// the conversation otherwise. Either way the response is an event stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
		ModelID string `json:"modelId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		s.resume(w, r)
		return
	}
	if !s.limiter.Allow(w, r) {
		return
	}

	box := stream.NewOutbox(s.outboxSize)
	err := s.service.Send(r.Context(), chat.SendRequest{
		UserID:         auth.UserID(r.Context()),
		ConversationID: chi.URLParam(r, "id"),
		Message:        body.Message,
		ModelID:        body.ModelID,
		Sink:           box,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.serveSSE(w, r, box)
}

func (s *Server) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	s.resume(w, r)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	box := stream.NewOutbox(s.outboxSize)
	outcome, err := s.service.Continue(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), box)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if outcome == chat.NothingToResume {
		setCORSHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Debugf("resume %s: %s", chi.URLParam(r, "id"), outcome)
	s.serveSSE(w, r, box)
}

// serveSSE drains box to the client. A disconnect only detaches this
// subscriber; the generation keeps running.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, box *stream.Outbox) {
	setCORSHeaders(w)
	stream.WriteSSEHeaders(w)
	if err := stream.ServeSSE(r.Context(), w, box); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debugf("sse %s: %v", chi.URLParam(r, "id"), err)
	}
}

// handleWebSocket attaches a WebSocket subscriber to the conversation. It
// resumes the same way GET /stream does; with nothing to resume the socket
// is closed normally.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := s.service.Get(r.Context(), userID, id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade %s: %v", id, err)
		return
	}
	defer conn.Close()

	box := stream.NewOutbox(s.outboxSize)
	outcome, err := s.service.Continue(r.Context(), userID, id, box)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, genericServerError))
		s.logger.Errorf("websocket resume %s: %v", id, err)
		return
	}
	if outcome == chat.NothingToResume {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "nothing to resume"))
		return
	}
	if err := stream.ServeWebSocket(r.Context(), conn, box); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debugf("websocket %s: %v", id, err)
	}
}
