// Package server implements the HTTP/SSE surface: the /api/v2/conversations
// REST+SSE API, wiring the step engine, the
// session manager, the hook bus, and the tool/provider registries into
// chi-routed handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loopcore/loopcore/pkg/auth"
	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/logstore"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/session"
	"github.com/loopcore/loopcore/pkg/step"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// Config configures a Server at construction time.
type Config struct {
	// LogsRoot is the directory under which each conversation gets its own
	// subdirectory (named by conversation ID) holding conversation.jsonl
	// and config.toml.
	LogsRoot string

	// Addr is the address the server will bind to; used only to decide
	// whether auth auto-enables (non-loopback) or auto-disables (loopback).
	Addr string

	// AuthToken, if non-empty, is required on every request unless auth is
	// disabled by the loopback/GPTME_DISABLE_AUTH rules.
	AuthToken string

	// DisableAuthEnv mirrors GPTME_DISABLE_AUTH's raw string value.
	DisableAuthEnv string

	DefaultModel string

	// SummaryModel, when set, is the cheap model used for background
	// conversation naming and long-tool-output summarization. When empty,
	// naming uses the conversation's own model and tool-output
	// summarization is off.
	SummaryModel string

	IdleTimeout time.Duration

	// BreakOnToolUse mirrors GPTME_BREAK_ON_TOOLUSE: stop streaming as
	// soon as a runnable tool block is complete.
	BreakOnToolUse bool

	Tools     *tooluse.Registry
	Providers *provider.Registry
	Bus       *hook.Bus

	// Metrics, when non-nil, receives every session's cost entries.
	Metrics *cost.Metrics
}

// Server owns every live conversation's in-memory state and exposes it
// through chi-routed HTTP handlers.
type Server struct {
	cfg       Config
	router    *chi.Mux
	sessions  *session.Manager
	costs     *cost.Tracker
	tools     *tooluse.Registry
	providers *provider.Registry
	bus       *hook.Bus

	httpServer *http.Server

	mu            sync.Mutex
	conversations map[string]*conversationState
	interrupts    map[string]*step.Interrupt // keyed by session ID
}

// conversationState is the in-memory handle for one on-disk conversation:
// its durable log and its parsed chat config. cfgMu guards cfg and
// namingInFlight only; the log is independently safe for concurrent use,
// but config edits must be serialized with reads of the same struct.
type conversationState struct {
	id  string
	log *logstore.Log
	dir string

	cfgMu          sync.Mutex
	cfg            config.ChatConfig
	namingInFlight bool
}

// New builds a Server with no conversations loaded yet; conversations are
// lazily read from disk as they're referenced.
func New(cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = session.DefaultIdleTimeout
	}
	costs := cost.NewTracker()
	if cfg.Metrics != nil {
		costs.AttachMetrics(cfg.Metrics)
	}
	s := &Server{
		cfg:           cfg,
		sessions:      session.NewManager(cfg.Bus, cfg.IdleTimeout),
		costs:         costs,
		tools:         cfg.Tools,
		providers:     cfg.Providers,
		bus:           cfg.Bus,
		conversations: make(map[string]*conversationState),
		interrupts:    make(map[string]*step.Interrupt),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	if s.cfg.AuthToken != "" && auth.ShouldEnable(s.cfg.Addr, s.cfg.DisableAuthEnv) {
		r.Use(auth.Middleware(s.cfg.AuthToken, []string{"/healthz"}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/v2/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", s.handleCreateConversation)
			r.Get("/", s.handleGetConversation)
			r.Post("/", s.handleAppendMessage)
			r.Delete("/", s.handleDeleteConversation)

			r.Get("/config", s.handleGetConfig)
			r.Patch("/config", s.handlePatchConfig)

			r.Get("/events", s.handleEvents)
			r.Post("/step", s.handleStep)
			r.Post("/tool/confirm", s.handleToolConfirm)
			r.Post("/interrupt", s.handleInterrupt)
		})
	})

	return r
}

// Router exposes the chi router, e.g. for tests that want to call
// httptest.NewServer(srv.Router()) directly.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving and blocks until the context is cancelled, at which
// point it shuts the HTTP server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.sessions.StartIdleSweep(time.Minute)
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
	}

	if s.cfg.AuthToken != "" && auth.ShouldEnable(s.cfg.Addr, s.cfg.DisableAuthEnv) {
		auth.PrintTokenOnce(s.cfg.AuthToken)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown halts the idle-sweep, then stops accepting new connections and
// waits (bounded by a 10s timeout) for in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.Stop()
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("server: request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// conversationDir returns the on-disk path for a conversation ID.
func (s *Server) conversationDir(id string) string {
	return filepath.Join(s.cfg.LogsRoot, id)
}

// getConversation returns the loaded conversationState for id, loading it
// from disk on first reference within this process.
func (s *Server) getConversation(id string) (*conversationState, error) {
	s.mu.Lock()
	if cs, ok := s.conversations[id]; ok {
		s.mu.Unlock()
		return cs, nil
	}
	s.mu.Unlock()

	dir := s.conversationDir(id)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrConversationNotFound
	}
	return s.loadConversation(id, dir)
}

func (s *Server) loadConversation(id, dir string) (*conversationState, error) {
	log, err := logstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("server: open log for %q: %w", id, err)
	}
	cfg, err := config.LoadChatConfig(dir, s.cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("server: load config for %q: %w", id, err)
	}

	cs := &conversationState{id: id, log: log, dir: dir, cfg: cfg}
	s.mu.Lock()
	s.conversations[id] = cs
	s.mu.Unlock()
	return cs, nil
}

// conversationInterrupt returns (creating if absent) the Interrupt flag for
// a session, used by the step and interrupt handlers.
func (s *Server) conversationInterrupt(sessionID string) *step.Interrupt {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.interrupts[sessionID]
	if !ok {
		it = step.NewInterrupt()
		s.interrupts[sessionID] = it
	}
	return it
}

func (s *Server) dropInterrupt(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.interrupts, sessionID)
}

// toolRegistryFor narrows the master tool registry to a conversation's
// configured tool list.
func (s *Server) toolRegistryFor(cfg config.ChatConfig) *tooluse.Registry {
	if len(cfg.Chat.Tools) == 0 {
		return s.tools
	}
	return s.tools.Allowlist(cfg.Chat.Tools)
}
