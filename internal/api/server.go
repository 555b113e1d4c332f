// Package api exposes the agent's coordination layer over HTTP: workspace
// CRUD, lifecycle operations, and an SSE event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/landoncolburn/devpod/internal/client"
	"github.com/landoncolburn/devpod/internal/events"
	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/provider"
	"github.com/landoncolburn/devpod/internal/workspace"
)

// Coordinator runs workspace lifecycle operations. Implemented by
// client.Client.
type Coordinator interface {
	Start(ctx context.Context, workspaceID, viewID string, onProgress func(protocol.ProgressEvent)) (*client.Outcome, error)
	Stop(ctx context.Context, workspaceID string) (*client.Outcome, error)
	Rebuild(ctx context.Context, workspaceID string) (*client.Outcome, error)
	Status(ctx context.Context, workspaceID string) (workspace.Status, error)
}

// WorkspaceStore is the registry surface the API needs.
type WorkspaceStore interface {
	Create(ctx context.Context, ws workspace.Workspace) error
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	List(ctx context.Context) ([]*workspace.Workspace, error)
	Delete(ctx context.Context, id string) error
	RecentOperations(ctx context.Context, workspaceID string, limit int) ([]*workspace.OperationRecord, error)
}

// ProviderCatalog lists loaded providers.
type ProviderCatalog interface {
	All() map[string]*provider.Provider
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token required on every request except /healthz.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config      Config
	coordinator Coordinator
	store       WorkspaceStore
	providers   ProviderCatalog
	cache       *opcache.Cache
	hub         *events.Hub
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a new API server instance.
func New(config Config, coordinator Coordinator, store WorkspaceStore, providers ProviderCatalog, cache *opcache.Cache, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:      config,
		coordinator: coordinator,
		store:       store,
		providers:   providers,
		cache:       cache,
		hub:         hub,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Start calls block until the operation settles; the write timeout
		// must outlast the longest provider timeout.
		WriteTimeout: 20 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/workspaces", s.handleListWorkspaces)
		r.Post("/workspaces", s.handleCreateWorkspace)
		r.Get("/workspaces/{workspaceID}", s.handleGetWorkspace)
		r.Delete("/workspaces/{workspaceID}", s.handleDeleteWorkspace)

		r.Post("/workspaces/{workspaceID}/start", s.handleStart)
		r.Post("/workspaces/{workspaceID}/stop", s.handleStop)
		r.Post("/workspaces/{workspaceID}/rebuild", s.handleRebuild)
		r.Get("/workspaces/{workspaceID}/status", s.handleStatus)
		r.Get("/workspaces/{workspaceID}/operations", s.handleOperations)

		r.Get("/providers", s.handleListProviders)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
