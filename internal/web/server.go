package web

import (
	"crypto/subtle"
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"swapdmt/internal/automation"
	"swapdmt/internal/controller"
)

//go:embed static/*
var staticFS embed.FS

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

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the operator interface.
type Server struct {
	ctrl           *controller.Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts broadcasting controller events
// to WebSocket clients.
func NewServer(ctrl *controller.Controller, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = ctrl.Events().OnAll(func(event controller.Event) {
		s.wsHub.Broadcast(event)
	})

	if err := s.routes(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() error {
	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return err
	}
	s.mux.Handle("GET /{$}", http.FileServer(http.FS(static)))
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	// Motes
	s.mux.HandleFunc("GET /api/motes", s.handleAPIListMotes)
	s.mux.HandleFunc("GET /api/motes/{addr}", s.handleAPIGetMote)
	s.mux.HandleFunc("DELETE /api/motes/at/{index}", s.handleAPIRemoveMote)
	s.mux.HandleFunc("POST /api/motes/{addr}/params", s.handleAPISetMoteParam)
	s.mux.HandleFunc("POST /api/motes/{addr}/query", s.handleAPIQueryMote)

	// Gateway
	s.mux.HandleFunc("GET /api/gateway", s.handleAPIGateway)
	s.mux.HandleFunc("POST /api/gateway/connect", s.handleAPIConnect)
	s.mux.HandleFunc("POST /api/gateway/disconnect", s.handleAPIDisconnect)
	s.mux.HandleFunc("PUT /api/gateway/network", s.handleAPISetNetwork)
	s.mux.HandleFunc("PUT /api/gateway/address", s.handleAPISetAddress)
	s.mux.HandleFunc("PUT /api/gateway/serial", s.handleAPISetSerial)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunInline)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	return nil
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot set headers on page loads or WS upgrades, so only
	// /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
