// Package server wires the relay components together and serves the
// HTTP surface: provider routes, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/yansir/cc-relay/internal/account"
	"github.com/yansir/cc-relay/internal/auth"
	"github.com/yansir/cc-relay/internal/config"
	"github.com/yansir/cc-relay/internal/logging"
	"github.com/yansir/cc-relay/internal/relay"
	"github.com/yansir/cc-relay/internal/scheduler"
	"github.com/yansir/cc-relay/internal/session"
	"github.com/yansir/cc-relay/internal/store"
	"github.com/yansir/cc-relay/internal/transport"
)

// sweepInterval paces the expired sticky row sweeper.
const sweepInterval = time.Minute

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	db         *store.DB
	registry   *account.Registry
	tokens     *account.TokenManager
	sessions   *session.Store
	dispatcher *relay.Dispatcher
	transports *transport.Manager
	authMw     *auth.Middleware
	ring       *logging.RingHandler
	logger     *slog.Logger
	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, db *store.DB, tm *transport.Manager, ring *logging.RingHandler, logger *slog.Logger, version string) *Server {
	registry := account.NewRegistry(cfg.Accounts)
	sessions := session.NewStore(db)
	sched := scheduler.New(registry, sessions, logger)
	tokens := account.NewTokenManager(registry, tm, logger)
	dispatcher := relay.NewDispatcher(registry, sched, tokens, sessions, tm, db, cfg.Session, logger)
	authMw := auth.NewMiddleware(cfg.APIKeys, logger)

	srv := &Server{
		cfg:        cfg,
		db:         db,
		registry:   registry,
		tokens:     tokens,
		sessions:   sessions,
		dispatcher: dispatcher,
		transports: tm,
		authMw:     authMw,
		ring:       ring,
		logger:     logger,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        srv.requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		// No WriteTimeout: SSE responses stay open as long as the
		// upstream keeps talking.
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate

	relayRoute := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	// Claude (Anthropic Messages).
	relayRoute("POST /api/v1/messages", s.dispatcher.HandleClaude)
	relayRoute("POST /claude/v1/messages", s.dispatcher.HandleClaude)
	relayRoute("POST /v1/messages", s.dispatcher.HandleClaude)
	relayRoute("POST /api/v1/messages/count_tokens", s.dispatcher.HandleCountTokens)
	relayRoute("POST /v1/messages/count_tokens", s.dispatcher.HandleCountTokens)

	// Gemini. The {action} segment is "{model}:generateContent" or
	// "{model}:streamGenerateContent"; the handler splits it.
	relayRoute("POST /gemini/v1/models/{action}", s.dispatcher.HandleGemini)

	// OpenAI.
	relayRoute("POST /openai/v1/chat/completions", s.dispatcher.HandleOpenAIChat)
	relayRoute("POST /openai/v1/responses", s.dispatcher.HandleCodex)
	relayRoute("POST /v1/responses", s.dispatcher.HandleCodex)

	// Model listings are static: clients only probe them to verify
	// connectivity and populate pickers.
	mux.HandleFunc("GET /api/v1/models", s.handleClaudeModels)
	mux.HandleFunc("GET /openai/v1/models", s.handleOpenAIModels)
	mux.HandleFunc("GET /gemini/v1/models", s.handleGeminiModels)

	// Telemetry sink so CLI clients stop retrying their event batches.
	mux.HandleFunc("POST /api/event_logging/batch", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", authed(http.HandlerFunc(s.handleMetrics)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"error","database":%q}`, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transports.RunCleanup(ctx)
	go s.runSessionSweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr, "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runSessionSweep deletes expired sticky rows once a minute. Lookups
// already treat expired rows as misses; this just keeps the table from
// growing.
func (s *Server) runSessionSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.Sweep(ctx)
			if err != nil {
				s.logger.Error("session sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// requestLogger tags every request with a correlation id, echoed back
// in the response so client logs can be matched to server logs.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("x-request-id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("x-request-id", reqID)
		s.logger.Debug("request",
			"id", reqID, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
