package stream

import (
	"context"
	"io"
	"net/http"
	"time"
)

// KeepAliveInterval is how often an idle SSE connection receives a comment frame.
const KeepAliveInterval = 15 * time.Second

// WriteSSEHeaders prepares w for an event stream.
func WriteSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteSSE writes one event frame and flushes it.
func WriteSSE(w io.Writer, ev Event) error {
	frame, err := ev.MarshalSSE()
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// ServeSSE drains box into w until the outbox is closed and empty, ctx ends
// or a write fails. On return the outbox is killed so later sends fail.
// It never cancels the generation feeding box.
func ServeSSE(ctx context.Context, w io.Writer, box *Outbox) error {
	defer box.Kill()
	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-box.Events():
			if !ok {
				return nil
			}
			if err := WriteSSE(w, ev); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
