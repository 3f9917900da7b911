package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"olarm-bridge/internal/bridge"
	"olarm-bridge/internal/olarm"
	"olarm-bridge/internal/state"
)

// Connectivity is the transport-status surface the server reports on.
type Connectivity interface {
	State() bridge.ConnectivityState
	Ledger() *bridge.ReconnectLedger
}

// CommandSender routes panel actions.
type CommandSender interface {
	Send(ctx context.Context, actionCmd string, actionNum int)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by the status endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the local HTTP status API: reconciled panel state, device
// and connectivity info, a command endpoint, and a WebSocket event feed.
type Server struct {
	sync   *state.Synchronizer
	conn   Connectivity
	router CommandSender
	device olarm.Device

	feed           eventFeed
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	closing        chan struct{}
	closeOnce      sync.Once
	unsubEvents    func()
}

// NewServer creates the status server and feeds bus events to the
// WebSocket connections.
func NewServer(sy *state.Synchronizer, events *state.EventBus, conn Connectivity, router CommandSender, device olarm.Device, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sync:    sy,
		conn:    conn,
		router:  router,
		device:  device,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		closing: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.unsubEvents = events.OnAll(s.feed.publish)

	s.routes()
	return s
}

// Stop detaches from the event bus and tells open WebSocket
// connections to close. Safe to call multiple times.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/state", s.handleState)
	s.mux.HandleFunc("GET /api/device", s.handleDevice)
	s.mux.HandleFunc("POST /api/command", s.handleCommand)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" && r.Method != http.MethodGet {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if s.apiKey != "" {
		// Only /api/ endpoints are key-protected; the WS upgrade cannot
		// carry custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
