// Package server wires the proxy and admin endpoints onto one HTTP listener.
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

	"github.com/mikage/codex-pool/internal/account"
	"github.com/mikage/codex-pool/internal/auth"
	"github.com/mikage/codex-pool/internal/balancer"
	"github.com/mikage/codex-pool/internal/config"
	"github.com/mikage/codex-pool/internal/events"
	"github.com/mikage/codex-pool/internal/relay"
	"github.com/mikage/codex-pool/internal/reqid"
	"github.com/mikage/codex-pool/internal/store"
	"github.com/mikage/codex-pool/internal/transport"
)

// Server is the main HTTP server.
type Server struct {
	cfg        *config.Config
	store      store.Store
	accounts   *account.Manager
	oauth      *account.OAuthClient
	balancer   *balancer.Balancer
	transport  *transport.Manager
	router     *relay.Router
	authMw     *auth.Middleware
	bus        *events.Bus
	logs       *events.LogHandler
	httpServer *http.Server
	version    string
	startTime  time.Time
}

func New(cfg *config.Config, s store.Store, crypto *account.Crypto, oauth *account.OAuthClient,
	accounts *account.Manager, bal *balancer.Balancer, tm *transport.Manager,
	bus *events.Bus, lh *events.LogHandler, version string) *Server {

	srv := &Server{
		cfg:       cfg,
		store:     s,
		accounts:  accounts,
		oauth:     oauth,
		balancer:  bal,
		transport: tm,
		router:    relay.NewRouter(s, accounts, crypto, bal, tm, cfg),
		authMw:    auth.NewMiddleware(cfg),
		bus:       bus,
		logs:      lh,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestID(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.UpstreamTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	gate := s.authMw.Authenticate

	// Proxy endpoints (static token)
	mux.Handle("POST /v1/responses", gate(http.HandlerFunc(s.router.ServeResponses)))
	mux.Handle("POST /v1/chat/completions", gate(http.HandlerFunc(s.router.ServeChatCompletions)))

	// Admin: login (no auth, this IS the auth endpoint)
	mux.HandleFunc("POST /admin/login", s.handleLogin)

	// Admin: accounts (JWT)
	mux.Handle("GET /admin/accounts", s.requireAdmin(http.HandlerFunc(s.handleListAccounts)))
	mux.Handle("GET /admin/accounts/{id}", s.requireAdmin(http.HandlerFunc(s.handleGetAccount)))
	mux.Handle("DELETE /admin/accounts/{id}", s.requireAdmin(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /admin/accounts/{id}/pause", s.requireAdmin(http.HandlerFunc(s.handlePauseAccount)))
	mux.Handle("POST /admin/accounts/{id}/resume", s.requireAdmin(http.HandlerFunc(s.handleResumeAccount)))
	mux.Handle("POST /admin/accounts/{id}/refresh", s.requireAdmin(http.HandlerFunc(s.handleRefreshAccount)))
	mux.Handle("POST /admin/accounts/{id}/proxy", s.requireAdmin(http.HandlerFunc(s.handleSetAccountProxy)))

	// Admin: enrollment (JWT)
	mux.Handle("POST /admin/accounts/oauth/url", s.requireAdmin(http.HandlerFunc(s.handleOAuthURL)))
	mux.Handle("POST /admin/accounts/oauth/exchange", s.requireAdmin(http.HandlerFunc(s.handleOAuthExchange)))
	mux.Handle("POST /admin/accounts/device/start", s.requireAdmin(http.HandlerFunc(s.handleDeviceStart)))
	mux.Handle("POST /admin/accounts/device/poll", s.requireAdmin(http.HandlerFunc(s.handleDevicePoll)))
	mux.Handle("GET /admin/accounts/sessions", s.requireAdmin(http.HandlerFunc(s.handleEnrollSessions)))

	// Admin: dashboard data (JWT)
	mux.Handle("GET /admin/usage/summary", s.requireAdmin(http.HandlerFunc(s.handleUsageSummary)))
	mux.Handle("GET /admin/usage/history", s.requireAdmin(http.HandlerFunc(s.handleUsageHistory)))
	mux.Handle("GET /admin/usage/window", s.requireAdmin(http.HandlerFunc(s.handleUsageWindow)))
	mux.Handle("GET /admin/events", s.requireAdmin(http.HandlerFunc(s.handleEvents)))
	mux.Handle("GET /admin/logs", s.requireAdmin(http.HandlerFunc(s.handleLogs)))

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":%q}`, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": s.version,
			"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		})
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transport.RunCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestID tags every request with an opaque id, echoed downstream and
// carried in context so upstream calls can be correlated in logs.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(reqid.Header)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(reqid.Header, id)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "requestId", id)
		next.ServeHTTP(w, r.WithContext(reqid.With(r.Context(), id)))
	})
}
