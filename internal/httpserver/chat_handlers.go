package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/conversation"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

const streamStatusActive = "active"

// chatResponse is a conversation plus the state of its in-flight generation.
// StreamStatus is null when nothing is generating.
type chatResponse struct {
	*conversation.Conversation
	StreamStatus   *string `json:"streamStatus"`
	PartialContent string  `json:"partialContent,omitempty"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.service.List(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if chats == nil {
		chats = []conversation.Summary{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID string `json:"modelId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	conv, err := s.service.Create(r.Context(), auth.UserID(r.Context()), body.ModelID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": conv.ID})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	conv, err := s.service.Get(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	resp := chatResponse{Conversation: conv}
	if snap, ok := s.service.StreamState(conv.ID); ok && snap.Status == stream.StatusGenerating {
		status := streamStatusActive
		resp.StreamStatus = &status
		resp.PartialContent = snap.Accumulated
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondServiceError(w, err)
		return
	}
	conv, err := s.service.UpdateTitle(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"), body.Title)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
