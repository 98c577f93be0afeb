package chat

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tokligence/tokligence-chat/internal/conversation"
)

// Error is a client-facing failure with the HTTP status it maps to.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	errUserRequired    = &Error{Status: http.StatusBadRequest, Message: "User ID is required"}
	errChatRequired    = &Error{Status: http.StatusBadRequest, Message: "Chat ID is required"}
	errMessageRequired = &Error{Status: http.StatusBadRequest, Message: "Message is required"}
	errTitleRequired   = &Error{Status: http.StatusBadRequest, Message: "Title is required"}
	errChatNotFound    = &Error{Status: http.StatusNotFound, Message: "Chat not found"}
	errForbidden       = &Error{Status: http.StatusForbidden, Message: "Unauthorized: Chat does not belong to user"}
	errBusy            = &Error{Status: http.StatusConflict, Message: "A response is already being generated"}
)

// StatusOf returns the HTTP status for err, 500 when it is not a *Error.
func StatusOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	return http.StatusInternalServerError
}

func wrapLoad(id string, err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return errChatNotFound
	}
	return fmt.Errorf("chat: load %s: %w", id, err)
}
