// Package config loads mathbank configuration from a YAML file and
// MATHBANK_* environment variables and hot-reloads it on change.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/mathbank/internal/providers"
)

// EnvPrefix prefixes environment overrides, e.g. MATHBANK_SERVER_PORT.
const EnvPrefix = "MATHBANK"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager loads configuration from cfgFile, or from config.yaml in the
// working directory or ~/.mathbank when cfgFile is empty. A missing file is
// not an error.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{v: viper.New(), logger: slog.Default()}
	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}
	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	return cm, nil
}

// SetLogger sets the logger used for reload events.
func (cm *Manager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mathbank")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		// An explicit path that does not exist yet is created later by WriteDefault.
		if cfgFile != "" && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// setDefaults registers every leaf key so environment overrides apply to
// keys missing from the file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.project_id", d.Store.ProjectID)
	v.SetDefault("store.max_conns", d.Store.MaxConns)

	v.SetDefault("blobs.driver", d.Blobs.Driver)
	v.SetDefault("blobs.dir", d.Blobs.Dir)
	v.SetDefault("blobs.bucket", d.Blobs.Bucket)
	v.SetDefault("blobs.preview_width", d.Blobs.PreviewWidth)

	v.SetDefault("ai.provider", d.AI.Provider)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.api_key", d.AI.APIKey)
	v.SetDefault("ai.base_url", d.AI.BaseURL)
	v.SetDefault("ai.project_id", d.AI.ProjectID)
	v.SetDefault("ai.region", d.AI.Region)
	v.SetDefault("ai.timeout", d.AI.Timeout)
	v.SetDefault("ai.max_retries", d.AI.MaxRetries)
	v.SetDefault("ai.requests_per_minute", d.AI.RequestsPerMinute)

	v.SetDefault("pipeline.enabled", d.Pipeline.Enabled)
	v.SetDefault("pipeline.fast_interval", d.Pipeline.FastInterval)
	v.SetDefault("pipeline.slow_interval", d.Pipeline.SlowInterval)
	v.SetDefault("pipeline.step_timeout", d.Pipeline.StepTimeout)
	v.SetDefault("pipeline.max_schema_failures", d.Pipeline.MaxSchemaFailures)
	v.SetDefault("pipeline.backoff_base", d.Pipeline.BackoffBase)
	v.SetDefault("pipeline.backoff_max", d.Pipeline.BackoffMax)
	limits := make([]map[string]any, len(d.Pipeline.DailyLimits))
	for i, l := range d.Pipeline.DailyLimits {
		limits[i] = map[string]any{"model": l.Model, "limit": l.Limit}
	}
	v.SetDefault("pipeline.daily_limits", limits)

	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("ingest.dpi", d.Ingest.DPI)

	v.SetDefault("postgres.container_name", d.Postgres.ContainerName)
	v.SetDefault("postgres.image", d.Postgres.Image)
	v.SetDefault("postgres.port", d.Postgres.Port)
	v.SetDefault("postgres.password", d.Postgres.Password)
}

func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration.
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFileUsed returns the path of the loaded file, or "" when running on defaults.
func (cm *Manager) ConfigFileUsed() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig reloads the file when it changes and notifies callbacks.
// An invalid edit is logged and the previous configuration kept.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()

		cm.mu.Lock()
		logger := cm.logger
		if err != nil {
			cm.mu.Unlock()
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// Validate checks enumerated fields and numeric ranges.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "firestore":
	default:
		return fmt.Errorf("invalid store.driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "firestore" && c.Store.ProjectID == "" {
		return fmt.Errorf("store.project_id is required for the firestore driver")
	}
	switch c.Blobs.Driver {
	case "local":
	case "gcs":
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blobs.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("invalid blobs.driver %q", c.Blobs.Driver)
	}
	switch c.AI.Provider {
	case providers.VertexName, providers.OpenAIName, providers.MockClientName:
	default:
		return fmt.Errorf("invalid ai.provider %q", c.AI.Provider)
	}
	if c.Pipeline.MaxSchemaFailures < 0 {
		return fmt.Errorf("pipeline.max_schema_failures must not be negative")
	}
	for _, l := range c.Pipeline.DailyLimits {
		if l.Model == "" || l.Limit < 0 {
			return fmt.Errorf("invalid daily limit %+v", l)
		}
	}
	return nil
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ToRegistryConfig converts the ai section for providers.Registry,
// resolving ${ENV_VAR} references in the API key.
func (c *Config) ToRegistryConfig() providers.RegistryConfig {
	return providers.RegistryConfig{
		Provider:   c.AI.Provider,
		Model:      c.AI.Model,
		APIKey:     ResolveEnvVars(c.AI.APIKey),
		BaseURL:    c.AI.BaseURL,
		ProjectID:  ResolveEnvVars(c.AI.ProjectID),
		Region:     c.AI.Region,
		Timeout:    c.AI.Timeout,
		MaxRetries: c.AI.MaxRetries,
	}
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# mathbank configuration
# Values of the form ${ENV_VAR} are read from the environment.
# Any key can be overridden with MATHBANK_<SECTION>_<KEY>, e.g. MATHBANK_SERVER_PORT=9090.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
