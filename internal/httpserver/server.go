package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-chat/internal/auth"
	"github.com/tokligence/tokligence-chat/internal/chat"
	"github.com/tokligence/tokligence-chat/internal/health"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/metrics"
	"github.com/tokligence/tokligence-chat/internal/provider/catalog"
	"github.com/tokligence/tokligence-chat/internal/ratelimit"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

const genericServerError = "Something went wrong. Please try again later."

// Config wires the server to the chat backend.
type Config struct {
	Service  *chat.Service
	Registry *stream.Registry
	Catalog  *catalog.Catalog
	Auth     *auth.Manager
	Limiter  *ratelimit.Limiter

	RateLimitEnabled bool
	Metrics          *metrics.Collector
	Health           *health.Checker
	Logger           *logging.Logger

	// OutboxSize bounds how many events a slow subscriber may lag behind.
	OutboxSize int
}

// Server exposes the chat HTTP API.
type Server struct {
	service    *chat.Service
	registry   *stream.Registry
	catalog    *catalog.Catalog
	auth       *auth.Manager
	limiter    *ratelimit.Middleware
	metrics    *metrics.Collector
	health     *health.Checker
	logger     *logging.Logger
	outboxSize int
	upgrader   websocket.Upgrader
}

// New builds a Server. Metrics and the health checker are optional.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	s := &Server{
		service:    cfg.Service,
		registry:   cfg.Registry,
		catalog:    cfg.Catalog,
		auth:       cfg.Auth,
		metrics:    collector,
		health:     cfg.Health,
		logger:     logger,
		outboxSize: cfg.OutboxSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// stream routes already answer any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.limiter = ratelimit.NewMiddleware(cfg.Limiter, cfg.RateLimitEnabled, func(r *http.Request) string {
		return auth.UserID(r.Context())
	}, logger.With("[ratelimit]"), collector.RecordRateLimitHit)
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/token", s.handleIssueToken)

		api.Group(func(private chi.Router) {
			private.Use(s.auth.Middleware(s.unauthorized))

			private.Route("/chats", func(chats chi.Router) {
				chats.Get("/", s.handleListChats)
				chats.Post("/", s.handleCreateChat)
				chats.Route("/{id}", func(one chi.Router) {
					one.Get("/", s.handleGetChat)
					one.Patch("/", s.handleRenameChat)
					one.Delete("/", s.handleDeleteChat)
					one.Post("/stream", s.handleStream)
					one.Get("/stream", s.handleResumeStream)
					one.Options("/stream", s.handleStreamPreflight)
					one.Get("/ws", s.handleWebSocket)
				})
			})

			private.Route("/models", func(models chi.Router) {
				models.Get("/", s.handleListModels)
				models.Post("/providers/{provider}", s.handleSetProvider)
				models.Delete("/providers/{provider}", s.handleDeleteProvider)
				models.Post("/selection", s.handleSetSelection)
			})
		})
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger.Std(), NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	return r
}

// instrument records per-route request metrics. The route pattern is only
// known after chi has routed, so it is read once the handler returns.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		s.metrics.RecordRequestStart()
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RecordRequest(route, status, time.Since(start))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debugf("auth rejected %s %s: %v", r.Method, r.URL.Path, err)
	s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes {"error": msg}. Server-side failures are logged and
// replaced by a generic message.
func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Errorf("request failed: %v", err)
		msg = genericServerError
	}
	s.respondJSON(w, status, map[string]any{"error": msg})
}

// respondServiceError maps chat and catalog errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var verr *catalog.ValidationError
	if errors.As(err, &verr) {
		s.respondError(w, http.StatusBadRequest, verr)
		return
	}
	s.respondError(w, chat.StatusOf(err), err)
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return nil
}

var errInvalidBody = &chat.Error{Status: http.StatusBadRequest, Message: "Invalid request body"}
