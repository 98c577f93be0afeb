// Package testutil holds helpers shared by the HTTP-facing tests.
package testutil

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
)

// Server is an HTTP server bound to the IPv4 loopback interface. Some CI
// sandboxes have no ::1, which breaks httptest.NewServer.
type Server struct {
	URL       string
	server    *http.Server
	transport *http.Transport
	client    *http.Client
}

// NewServer starts handler on 127.0.0.1 and closes it on test cleanup. The
// test is skipped when tcp4 loopback is unavailable.
func NewServer(t *testing.T, handler http.Handler) *Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &Server{
		URL:       "http://" + l.Addr().String(),
		server:    &http.Server{Handler: handler},
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("test server: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// Client returns a client bound to the server's transport.
func (s *Server) Client() *http.Client { return s.client }

// Do sends a request as userID. An empty body sends no payload.
func (s *Server) Do(ctx context.Context, t *testing.T, method, path, userID, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", userID)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// Close shuts the server down and drops idle connections.
func (s *Server) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}
