package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/agentterm/internal/config"
	"github.com/asheshgoplani/agentterm/internal/invoke"
	"github.com/asheshgoplani/agentterm/internal/logging"
	"github.com/asheshgoplani/agentterm/internal/observer"
	"github.com/asheshgoplani/agentterm/internal/orchestrator"
	"github.com/asheshgoplani/agentterm/internal/session"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	ReadOnly   bool
	// InputRate and InputBurst bound websocket input messages per connection.
	InputRate  float64
	InputBurst int
	Version    string
}

// Core is the session API the server drives. *orchestrator.Orchestrator
// satisfies it.
type Core interface {
	List(projectPath string) []*session.Session
	Get(id string) (*session.Session, error)
	Create(req orchestrator.CreateRequest) (*session.Session, error)
	Write(id, data string) error
	Resize(id string, cols, rows uint16) error
	SetTitle(id, title string) error
	SetWorktree(id string, wt *session.WorktreeConfig) error
	SetDisplayOrder(projectPath string, orders map[string]int) int
	Destroy(ctx context.Context, id string) error
	InvokeAssistant(ctx context.Context, id string, opts invoke.InvokeOptions) error
	ResumeAssistant(ctx context.Context, id string) error
	SwitchProfile(ctx context.Context, id, profileID string) error
	RestoreProject(ctx context.Context, projectPath string) ([]*session.Session, error)
	Subscribe(obs observer.Observer)
	Unsubscribe(obs observer.Observer)
}

// Server exposes a Core over HTTP, server-sent events and websockets.
type Server struct {
	cfg        Config
	core       Core
	hub        *hub
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates the server and subscribes it to core's events.
func NewServer(cfg Config, core Core) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = config.DefaultListen
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate = config.DefaultInputRate
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = config.DefaultInputBurst
	}

	s := &Server{cfg: cfg, core: core, hub: newHub()}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	core.Subscribe(s.hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/sessions", s.authorized(s.handleListSessions))
	mux.HandleFunc("POST /api/sessions", s.mutating(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions/{id}", s.authorized(s.handleGetSession))
	mux.HandleFunc("PATCH /api/sessions/{id}", s.mutating(s.handleUpdateSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.mutating(s.handleDeleteSession))
	mux.HandleFunc("POST /api/sessions/{id}/invoke", s.mutating(s.handleInvoke))
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.mutating(s.handleResume))
	mux.HandleFunc("POST /api/sessions/{id}/switch", s.mutating(s.handleSwitch))
	mux.HandleFunc("POST /api/projects/restore", s.mutating(s.handleRestore))
	mux.HandleFunc("PUT /api/projects/order", s.mutating(s.handleDisplayOrder))
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logging.StdLogger(logging.CompWeb),
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until shutdown or error. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and drops every event client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.core.Unsubscribe(s.hub)
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}
	s.hub.closeAll()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  s.cfg.Version,
		"readOnly": s.cfg.ReadOnly,
		"sessions": len(s.core.List("")),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// authorized rejects requests without the configured token.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRequest(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

// mutating is authorized plus the read-only check.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return s.authorized(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ReadOnly {
			writeAPIError(w, http.StatusForbidden, "READ_ONLY", "server is read-only")
			return
		}
		next(w, r)
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

// writeCoreError maps session core errors onto HTTP statuses.
func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, invoke.ErrProfileNotFound):
		writeAPIError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", err.Error())
	case errors.Is(err, orchestrator.ErrSessionExists):
		writeAPIError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, invoke.ErrSessionExited):
		writeAPIError(w, http.StatusConflict, "SESSION_EXITED", err.Error())
	case errors.Is(err, invoke.ErrExecutableNotFound):
		writeAPIError(w, http.StatusUnprocessableEntity, "EXECUTABLE_NOT_FOUND", err.Error())
	case errors.Is(err, orchestrator.ErrShutdown):
		writeAPIError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
	default:
		webLog.Error("request_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
