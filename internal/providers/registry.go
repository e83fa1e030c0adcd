package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the configured vision clients and tracks which one the
// pipeline uses. It supports hot reload from configuration.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]VisionClient
	active  string
	cfg     RegistryConfig
	logger  *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]VisionClient),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a client under name. The first registered client becomes active.
func (r *Registry) Register(name string, client VisionClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	if r.active == "" {
		r.active = name
	}
	if r.logger != nil {
		r.logger.Info("registered vision client", "name", name, "model", client.Model())
	}
}

// Get returns a client by name.
func (r *Registry) Get(name string) (VisionClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("vision client not found: %s", name)
	}
	return client, nil
}

// SetActive selects the client used by Active.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("vision client not found: %s", name)
	}
	r.active = name
	return nil
}

// Active returns the client the pipeline should call.
func (r *Registry) Active() (VisionClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, fmt.Errorf("no vision client configured")
	}
	return r.clients[r.active], nil
}

// List returns all registered client names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryConfig selects and configures the active provider.
type RegistryConfig struct {
	Provider   string // "vertex", "openai" or "mock"
	Model      string
	APIKey     string
	BaseURL    string
	ProjectID  string
	Region     string
	Timeout    time.Duration
	MaxRetries int
}

// NewRegistryFromConfig creates a registry with the configured provider.
func NewRegistryFromConfig(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	r := NewRegistry()
	if err := r.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the active client when the provider settings changed.
// On error the previous client stays active.
func (r *Registry) Reload(ctx context.Context, cfg RegistryConfig) error {
	r.mu.RLock()
	unchanged := r.active != "" && r.cfg == cfg
	r.mu.RUnlock()
	if unchanged {
		return nil
	}

	client, err := createClient(ctx, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old, hadOld := r.clients[cfg.Provider]
	r.clients[cfg.Provider] = client
	r.active = cfg.Provider
	r.cfg = cfg
	if closer, ok := old.(interface{ Close() error }); hadOld && ok {
		_ = closer.Close()
	}
	if r.logger != nil {
		r.logger.Info("vision client configured", "provider", cfg.Provider, "model", cfg.Model)
	}
	return nil
}

func createClient(ctx context.Context, cfg RegistryConfig) (VisionClient, error) {
	switch cfg.Provider {
	case VertexName:
		return NewVertexClient(ctx, VertexConfig{ProjectID: cfg.ProjectID, Region: cfg.Region, Model: cfg.Model})
	case OpenAIName:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("api key is required for the openai provider")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	case MockClientName:
		m := NewMockClient()
		if cfg.Model != "" {
			m.ModelName = cfg.Model
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown vision provider: %q", cfg.Provider)
	}
}
