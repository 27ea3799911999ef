// ABOUTME: Gateway wires the store, allocator, lifecycle monitor, and hub
// ABOUTME: behind one HTTP server with graceful shutdown

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harborlabs/atoll/internal/auth"
	"github.com/harborlabs/atoll/internal/catalog"
	"github.com/harborlabs/atoll/internal/config"
	"github.com/harborlabs/atoll/internal/hub"
	"github.com/harborlabs/atoll/internal/lifecycle"
	"github.com/harborlabs/atoll/internal/ratelimit"
	"github.com/harborlabs/atoll/internal/store"
	"github.com/harborlabs/atoll/internal/territory"
)

// limiter keys, one admission budget per concern.
const (
	limitRegister  = "register"
	limitHeartbeat = "heartbeat"
	limitMessage   = "message"
	limitClaim     = "claim"
)

// Gateway is the HTTP surface over the territory system.
type Gateway struct {
	config    *config.Config
	store     store.Store
	allocator *territory.Allocator
	monitor   *lifecycle.Monitor
	hub       *hub.Hub
	verifier  *auth.JWTVerifier
	limiters  map[string]*ratelimit.Limiter

	httpServer *http.Server
	logger     *slog.Logger
	serverID   string
}

// New creates a gateway backed by a SQLite store at the configured path,
// importing the city catalog when one is configured.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	if cfg.Catalog.Path != "" {
		if _, err := catalog.Import(context.Background(), s, cfg.Catalog.Path, cfg.Catalog.ReservedTop, logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("importing catalog: %w", err)
		}
	}

	return newGateway(cfg, s, logger), nil
}

// newGateway assembles the gateway around an already open store.
func newGateway(cfg *config.Config, s store.Store, logger *slog.Logger) *Gateway {
	eventHub := hub.New(cfg.Hub.BufferSize, logger)
	allocator := territory.New(s, eventHub, logger)
	monitor := lifecycle.New(s, eventHub, logger)

	limiters := make(map[string]*ratelimit.Limiter)
	for _, key := range []string{limitRegister, limitHeartbeat, limitMessage, limitClaim} {
		limiters[key] = ratelimit.New(cfg.Limits.RequestsPerWindow, cfg.Limits.Window)
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		allocator: allocator,
		monitor:   monitor,
		hub:       eventHub,
		verifier:  auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		limiters:  limiters,
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)

	mux.HandleFunc("POST /api/agents", gw.handleRegisterAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", gw.handleHeartbeat)
	mux.HandleFunc("POST /api/agents/{id}/position", gw.handlePosition)
	mux.HandleFunc("POST /api/agents/{id}/status", gw.handleStatus)
	mux.HandleFunc("POST /api/agents/{id}/token", gw.handleTokenRefresh)
	mux.HandleFunc("POST /api/agents/{id}/claim", gw.handleClaim)
	mux.HandleFunc("POST /api/agents/{id}/release", gw.handleRelease)
	mux.HandleFunc("POST /api/messages", gw.handleMessage)
	mux.HandleFunc("GET /api/availability", gw.handleAvailability)
	mux.HandleFunc("GET /api/stream", gw.handleStream)

	mux.HandleFunc("POST /api/admin/assign", gw.requireAdmin(gw.handleAdminAssign))
	mux.HandleFunc("POST /api/admin/release", gw.requireAdmin(gw.handleAdminRelease))
	mux.HandleFunc("POST /api/admin/transfer", gw.requireAdmin(gw.handleAdminTransfer))
	mux.HandleFunc("GET /api/admin/inactive", gw.requireAdmin(gw.handleAdminInactive))
	mux.HandleFunc("POST /api/admin/sweep", gw.requireAdmin(gw.handleAdminSweep))
	mux.HandleFunc("POST /api/admin/cleanup", gw.requireAdmin(gw.handleAdminCleanup))
	mux.HandleFunc("POST /api/admin/token", gw.requireAdmin(gw.handleAdminToken))
	mux.HandleFunc("GET /api/admin/log", gw.requireAdmin(gw.handleAdminLog))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Run serves HTTP until the context is canceled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.httpServer.Addr, err)
	}
	g.logger.Info("gateway listening", "addr", ln.Addr().String(), "server_id", g.serverID)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownErr := g.gracefulShutdown()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases gateway resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	g.hub.Close()
	for _, l := range g.limiters {
		l.Close()
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

// Monitor exposes the lifecycle monitor for the sweep entry point.
func (g *Gateway) Monitor() *lifecycle.Monitor { return g.monitor }

// Store exposes the store for the cleanup entry point.
func (g *Gateway) Store() store.Store { return g.store }

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"server_id": g.serverID,
	})
}

// admit runs one request through the named limiter, writing the 429
// response itself when the budget is spent.
func (g *Gateway) admit(w http.ResponseWriter, limiterKey, id string) bool {
	limiter, ok := g.limiters[limiterKey]
	if !ok {
		return true
	}
	decision := limiter.Check(id)
	if decision.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds()+1)))
	g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// requireAdmin wraps a handler with bearer admin token verification.
func (g *Gateway) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.FromRequest(g.verifier, r)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !identity.IsAdmin() {
			g.sendJSONError(w, http.StatusForbidden, "admin token required")
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), identity)))
	}
}

// requireAgent verifies the bearer token and that it belongs to agentID.
func (g *Gateway) requireAgent(w http.ResponseWriter, r *http.Request, agentID string) (auth.Identity, bool) {
	identity, err := auth.FromRequest(g.verifier, r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return auth.Identity{}, false
	}
	if !identity.IsAdmin() && identity.Subject != agentID {
		g.sendJSONError(w, http.StatusForbidden, "token does not match agent")
		return auth.Identity{}, false
	}
	return identity, true
}

type identityKey struct{}

func withIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

// remoteIP extracts the client address for IP-keyed rate limiting.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// generateServerID creates a short random identifier for this process.
func generateServerID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
