package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/config"
	"github.com/jackzampolin/mathbank/internal/home"
	"github.com/jackzampolin/mathbank/internal/pgdocker"
	"github.com/jackzampolin/mathbank/internal/server/endpoints"
	"github.com/jackzampolin/mathbank/internal/svcctx"
)

// Server is the mathbank HTTP server. It owns the runtime service graph and,
// when the store is a managed postgres container, that container's lifecycle.
type Server struct {
	httpServer *http.Server
	configMgr  *config.Manager
	cfg        *config.Config
	home       *home.Dir
	postgres   *pgdocker.Manager
	logger     *slog.Logger

	endpointRegistry *api.Registry

	mu       sync.RWMutex
	running  bool
	runtime  *Runtime
	services *svcctx.Services
}

// Config holds server configuration.
type Config struct {
	// Host and Port override the server section of the loaded config.
	Host string
	Port string
	// Home is the data directory. Required for the sqlite and local blob defaults.
	Home *home.Dir
	// ConfigManager provides configuration with hot reload. When nil, Settings
	// (or the defaults) are used without reload.
	ConfigManager *config.Manager
	Settings      *config.Config
	// SwaggerSpecPath overrides where swagger.json is read from.
	SwaggerSpecPath string
	// PostgresLabels are added to a managed postgres container.
	PostgresLabels map[string]string
	Logger         *slog.Logger
}

// New creates a Server. Nothing is started until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	settings := cfg.Settings
	if cfg.ConfigManager != nil {
		settings = cfg.ConfigManager.Get()
	}
	if settings == nil {
		settings = config.DefaultConfig()
	}
	host, port := cfg.Host, cfg.Port
	if host == "" {
		host = settings.Server.Host
	}
	if port == "" {
		port = settings.Server.Port
	}

	s := &Server{
		configMgr: cfg.ConfigManager,
		cfg:       settings,
		home:      cfg.Home,
		logger:    cfg.Logger,
	}

	if settings.Store.Driver == "postgres" && settings.Store.DSN == "" {
		pg, err := newPostgresManager(settings.Postgres, cfg.Home, cfg.PostgresLabels)
		if err != nil {
			return nil, err
		}
		s.postgres = pg
	}

	if cfg.ConfigManager != nil {
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			s.mu.RLock()
			rt := s.runtime
			s.mu.RUnlock()
			if rt != nil {
				rt.Apply(context.Background(), c)
			}
		})
	}

	specPath := cfg.SwaggerSpecPath
	if specPath == "" {
		specPath = endpoints.GetSwaggerSpecPath()
	}
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		StoreDriver:     settings.Store.Driver,
		Postgres:        s.postgres,
		SwaggerSpecPath: specPath,
	}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(host, port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual extraction waits on the model
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func newPostgresManager(cfg config.PostgresConfig, h *home.Dir, labels map[string]string) (*pgdocker.Manager, error) {
	pc := pgdocker.Config{
		ContainerName: cfg.ContainerName,
		Image:         cfg.Image,
		HostPort:      cfg.Port,
		Password:      config.ResolveEnvVars(cfg.Password),
		Labels:        labels,
	}
	if h != nil {
		pc.DataPath = h.PostgresDataDir()
		if pc.ContainerName == "" {
			pc.ContainerName = pgdocker.GenerateContainerName(h.Path())
		}
	}
	pg, err := pgdocker.New(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres manager: %w", err)
	}
	return pg, nil
}

// Start brings up the store, the pipeline and the HTTP server. It blocks
// until ctx is cancelled or the HTTP server fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	var dsn string
	if s.postgres != nil {
		s.logger.Info("starting postgres container")
		if err := s.postgres.Start(ctx); err != nil {
			s.setNotRunning()
			return fmt.Errorf("failed to start postgres: %w", err)
		}
		dsn = s.postgres.DSN()
	}

	rt, err := OpenRuntime(ctx, RuntimeConfig{Config: s.cfg, Home: s.home, DSN: dsn, Logger: s.logger})
	if err != nil {
		_ = s.shutdown(nil)
		return fmt.Errorf("failed to open runtime: %w", err)
	}
	rt.Recorder.Start()

	s.mu.Lock()
	s.runtime = rt
	s.services = rt.Services
	s.mu.Unlock()

	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(ctx))
	pipelineDone := make(chan struct{})
	if s.cfg.Pipeline.Enabled {
		go func() {
			defer close(pipelineDone)
			rt.Scheduler.Run(pipelineCtx)
		}()
	} else {
		s.logger.Info("pipeline disabled, pages are only extracted on request")
		close(pipelineDone)
	}
	stop := func() {
		stopPipeline()
		<-pipelineDone
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown(stop)
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.shutdown(stop)
}

// shutdown stops the HTTP server first so no new work arrives, then the
// pipeline, background renders, the runtime and the postgres container.
func (s *Server) shutdown(stopPipeline func()) error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	if stopPipeline != nil {
		stopPipeline()
	}

	s.mu.Lock()
	rt := s.runtime
	s.runtime = nil
	s.services = nil
	s.mu.Unlock()

	if rt != nil {
		rt.Services.Ingester.Wait()
		if err := rt.Close(); err != nil {
			s.logger.Error("runtime close error", "error", err)
		}
	}

	if s.postgres != nil {
		s.logger.Info("stopping postgres container")
		if err := s.postgres.Stop(shutdownCtx); err != nil {
			s.logger.Error("postgres stop error", "error", err)
		}
		if err := s.postgres.Close(); err != nil {
			s.logger.Error("postgres manager close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Services returns the live services, or nil before Start completes.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Endpoints returns the endpoint registry, for building CLI commands.
func (s *Server) Endpoints() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.Services(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit returns 503 until the runtime is open.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
