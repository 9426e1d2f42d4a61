package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crabstack.local/projects/crab-handoff/internal/handoff"
	"crabstack.local/projects/crab-handoff/internal/ids"
	"crabstack.local/projects/crab-handoff/internal/metrics"
	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/registry"
	"crabstack.local/projects/crab-handoff/internal/router"
	"crabstack.local/projects/crab-handoff/internal/session"
)

const (
	maxRequestBytes  int64 = 1 << 20
	defaultConnQueue       = 64
)

type server struct {
	logger     logrus.FieldLogger
	router     *router.Router
	registry   *registry.Registry
	cache      *session.Cache
	store      session.Store
	metrics    *metrics.Metrics
	connBuffer int
	newConnID  func() string
	conns      *connSet
}

type Option func(*server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *server) { s.metrics = m }
}

// WithConnectionBuffer sets how many outbound events a websocket may have
// queued before it is dropped as a slow consumer.
func WithConnectionBuffer(n int) Option {
	return func(s *server) {
		if n > 0 {
			s.connBuffer = n
		}
	}
}

func NewServer(logger logrus.FieldLogger, addr string, rt *router.Router, reg *registry.Registry, cache *session.Cache, store session.Store, opts ...Option) *Server {
	h := &server{
		logger:     logger,
		router:     rt,
		registry:   reg,
		cache:      cache,
		store:      store,
		connBuffer: defaultConnQueue,
		newConnID:  ids.New,
		conns:      newConnSet(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/ws", h.handleWS)
	mux.HandleFunc("/v1/handoffs", h.handleHandoffs)
	mux.HandleFunc("GET /v1/sessions/{workspace}/{session}", h.handleSession)
	mux.Handle("/metrics", h.metrics.Handler())

	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		conns: h.conns,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"connections": s.registry.Connections(),
		"sessions":    s.cache.Len(),
	})
}

// handleHandoffs bridges a server-side handoff request into the realtime
// flow, for callers that cannot hold a websocket.
func (s *server) handleHandoffs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	defer r.Body.Close()
	var req protocol.NewHandoffRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	if err := s.router.HandleWait(r.Context(), "", req); err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.WithFields(logrus.Fields{
				"workspace_id": req.WorkspaceID,
				"session_id":   req.RequestData.SessionID,
			}).WithError(err).Error("handoff request failed")
		}
		http.Error(w, errorText(err), status)
		return
	}

	body := map[string]any{
		"accepted":  true,
		"sessionId": req.RequestData.SessionID,
	}
	if rec, ok := s.cache.Get(req.WorkspaceID, req.RequestData.SessionID); ok {
		body["status"] = rec.Status
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.PathValue("workspace"))
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if workspaceID == "" || sessionID == "" {
		http.Error(w, "workspace and session are required", http.StatusBadRequest)
		return
	}

	if rec, ok := s.cache.Get(workspaceID, sessionID); ok {
		writeJSON(w, http.StatusOK, sessionView{Session: rec, Cached: true})
		return
	}
	rec, err := s.store.Get(r.Context(), workspaceID, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		s.logger.WithFields(logrus.Fields{
			"workspace_id": workspaceID,
			"session_id":   sessionID,
		}).WithError(err).Error("session lookup failed")
		http.Error(w, "session lookup failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: rec})
}

type sessionView struct {
	Session session.SessionRecord `json:"session"`
	Cached  bool                  `json:"cached"`
}

func statusFor(err error) int {
	var validation *protocol.ValidationError
	var persistence *router.PersistenceError
	var hydration *session.HydrationError
	switch {
	case errors.As(err, &validation), errors.Is(err, protocol.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, handoff.ErrClosed),
		errors.Is(err, handoff.ErrConflict),
		errors.Is(err, handoff.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &persistence), errors.As(err, &hydration):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorText(err error) string {
	var validation *protocol.ValidationError
	if errors.As(err, &validation) || errors.Is(err, protocol.ErrUnknownEvent) {
		return err.Error()
	}
	return router.FailureMessage(err)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
