package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"xteink-flasher/internal/automation"
	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/steps"
	"xteink-flasher/internal/store"
)

// Flasher is the orchestrator surface the API drives.
type Flasher interface {
	automation.Flasher
	Steps() []steps.Step
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithArtifactDir exposes the dumps in dir under /api/artifacts.
func WithArtifactDir(dir string) ServerOption {
	return func(s *Server) {
		s.artifactDir = dir
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

// Server is the HTTP API of the flasher.
type Server struct {
	fl             Flasher
	db             store.Store
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	artifactDir    string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string

	// workflows started over HTTP outlive their request
	ctx    context.Context
	cancel context.CancelFunc

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates a new web server. db may be nil, in which case the run
// and backup endpoints report 404.
func NewServer(fl Flasher, db store.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		fl:     fl,
		db:     db,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = fl.Events().OnAll(func(event flasher.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop cancels running workflows, shuts down the WebSocket hub and waits for
// goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.cancel()
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("GET /api/steps", s.handleAPISteps)
	s.mux.HandleFunc("GET /api/runs", s.handleAPIListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleAPIGetRun)
	s.mux.HandleFunc("GET /api/backups", s.handleAPIListBackups)
	s.mux.HandleFunc("GET /api/backups/{id}", s.handleAPIGetBackup)
	s.mux.HandleFunc("GET /api/artifacts", s.handleAPIListArtifacts)
	s.mux.HandleFunc("GET /api/artifacts/{name}", s.handleAPIGetArtifact)

	// Short workflows answer with their result.
	s.mux.HandleFunc("POST /api/workflows/identify", s.handleAPIIdentify)
	s.mux.HandleFunc("POST /api/workflows/read-otadata", s.handleAPIReadOtadata)
	s.mux.HandleFunc("POST /api/workflows/swap-boot", s.handleAPISwapBoot)

	// Long workflows run in the background; progress goes out on /ws.
	s.mux.HandleFunc("POST /api/workflows/read-app/{label}", s.handleAPIReadApp)
	s.mux.HandleFunc("POST /api/workflows/flash-official/{region}", s.handleAPIFlashOfficial)
	s.mux.HandleFunc("POST /api/workflows/flash-community/{name}", s.handleAPIFlashCommunity)
	s.mux.HandleFunc("POST /api/workflows/flash-file", s.handleAPIFlashFile)
	s.mux.HandleFunc("POST /api/workflows/save-flash", s.handleAPISaveFlash)
	s.mux.HandleFunc("POST /api/workflows/write-flash", s.handleAPIWriteFlash)

	// Scripts
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP applies the origin check and API key before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(w, r) {
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// checkOrigin answers preflights and rejects cross-origin writes from
// origins outside the allow list. It reports whether routing should go on.
// Without an allow list only same-origin writes pass. Requests without an
// Origin header come from non-browser clients and pass.
func (s *Server) checkOrigin(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.isOriginAllowed(r, origin)

	switch {
	case r.Method == http.MethodOptions && allowed:
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		h.Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return false
	case r.Method == http.MethodGet:
		return true
	case !allowed:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	return true
}

// authorized checks X-API-Key on /api/. Browsers cannot set headers on a
// WebSocket upgrade, so /ws is left open.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" || !strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	key := r.Header.Get("X-API-Key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

// isOriginAllowed matches origin against the allow list; "*" allows all.
// With no allow list the origin must name the host the request was sent to.
func (s *Server) isOriginAllowed(r *http.Request, origin string) bool {
	if len(s.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requireContentType rejects a body of any other media type. Browsers
// preflight both types used here, so a foreign page cannot send them
// without passing checkOrigin.
func (s *Server) requireContentType(w http.ResponseWriter, r *http.Request, want string) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != want {
		s.writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be " + want})
		return false
	}
	return true
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
