package config

import "time"

// Config holds mathbank configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Blobs    BlobsConfig    `mapstructure:"blobs" yaml:"blobs"`
	AI       AIConfig       `mapstructure:"ai" yaml:"ai"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Ingest   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StoreConfig selects the row store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`         // "sqlite", "postgres" or "firestore"
	DSN       string `mapstructure:"dsn" yaml:"dsn"`               // empty: {home}/mathbank.db, or the managed postgres container
	ProjectID string `mapstructure:"project_id" yaml:"project_id"` // firestore only
	MaxConns  int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// BlobsConfig selects where page images live.
type BlobsConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"` // "local" or "gcs"
	Dir          string `mapstructure:"dir" yaml:"dir"`       // empty uses {home}/pages
	Bucket       string `mapstructure:"bucket" yaml:"bucket"`
	PreviewWidth int    `mapstructure:"preview_width" yaml:"preview_width"`
}

// AIConfig configures the vision model client.
type AIConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"` // "vertex", "openai" or "mock"
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"` // supports ${ENV_VAR}
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	ProjectID         string        `mapstructure:"project_id" yaml:"project_id"`
	Region            string        `mapstructure:"region" yaml:"region"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// PipelineConfig tunes the queue walker and its scheduler.
type PipelineConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	FastInterval      time.Duration `mapstructure:"fast_interval" yaml:"fast_interval"`
	SlowInterval      time.Duration `mapstructure:"slow_interval" yaml:"slow_interval"`
	StepTimeout       time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	MaxSchemaFailures int           `mapstructure:"max_schema_failures" yaml:"max_schema_failures"` // 0 never skips a page
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	// DailyLimits is a list rather than a map because model names contain
	// dots, which viper treats as key separators.
	DailyLimits []ModelLimit `mapstructure:"daily_limits" yaml:"daily_limits"`
}

// ModelLimit caps the number of calls to one model per UTC day.
type ModelLimit struct {
	Model string `mapstructure:"model" yaml:"model"`
	Limit int    `mapstructure:"limit" yaml:"limit"`
}

type IngestConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
	DPI     int `mapstructure:"dpi" yaml:"dpi"`
}

// PostgresConfig holds the local postgres container settings. The server
// starts the container when store.driver is postgres and store.dsn is empty.
type PostgresConfig struct {
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Image         string `mapstructure:"image" yaml:"image"`
	Port          string `mapstructure:"port" yaml:"port"`
	Password      string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR}
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: "8080"},
		Store:  StoreConfig{Driver: "sqlite"},
		Blobs:  BlobsConfig{Driver: "local", PreviewWidth: 400},
		AI: AIConfig{
			Provider:          "openai",
			Model:             "gemini-2.5-flash",
			APIKey:            "${GEMINI_API_KEY}",
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai/",
			Region:            "us-central1",
			Timeout:           2 * time.Minute,
			MaxRetries:        2,
			RequestsPerMinute: 10,
		},
		Pipeline: PipelineConfig{
			Enabled:           true,
			FastInterval:      15 * time.Second,
			SlowInterval:      10 * time.Minute,
			StepTimeout:       2 * time.Minute,
			MaxSchemaFailures: 3,
			BackoffBase:       30 * time.Second,
			BackoffMax:        10 * time.Minute,
			DailyLimits: []ModelLimit{
				{Model: "gemini-2.5-flash", Limit: 110},
				{Model: "gemini-2.5-pro", Limit: 20},
			},
		},
		Ingest: IngestConfig{Workers: 4, DPI: 300},
		Postgres: PostgresConfig{
			ContainerName: "mathbank-postgres",
			Image:         "postgres:16-alpine",
			Port:          "5432",
			Password:      "${MATHBANK_POSTGRES_PASSWORD}",
		},
	}
}

// Limits returns the daily limits keyed by model. Later entries win.
func (p PipelineConfig) Limits() map[string]int {
	out := make(map[string]int, len(p.DailyLimits))
	for _, l := range p.DailyLimits {
		out[l.Model] = l.Limit
	}
	return out
}
