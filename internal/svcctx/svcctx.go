// Package svcctx carries the server's services through request contexts.
// It is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/export"
	"github.com/jackzampolin/mathbank/internal/home"
	"github.com/jackzampolin/mathbank/internal/ingest"
	"github.com/jackzampolin/mathbank/internal/pipeline"
	"github.com/jackzampolin/mathbank/internal/providers"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/usage"
)

// Services holds the core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store        store.Store
	Blobs        blob.Store
	Registry     *providers.Registry
	RateLimiter  *providers.RateLimiter
	Usage        *usage.Limiter
	Controller   *pipeline.Controller
	Ingester     *ingest.Ingester
	Exporter     *export.Service
	Home         *home.Dir
	Logger       *slog.Logger
	PreviewWidth int
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the row store from context.
func StoreFrom(ctx context.Context) store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// RegistryFrom extracts the vision client registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// RateLimiterFrom extracts the per-minute rate limiter from context.
func RateLimiterFrom(ctx context.Context) *providers.RateLimiter {
	if s := ServicesFrom(ctx); s != nil {
		return s.RateLimiter
	}
	return nil
}

// UsageFrom extracts the daily usage limiter from context.
func UsageFrom(ctx context.Context) *usage.Limiter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Usage
	}
	return nil
}

// ControllerFrom extracts the pipeline controller from context.
func ControllerFrom(ctx context.Context) *pipeline.Controller {
	if s := ServicesFrom(ctx); s != nil {
		return s.Controller
	}
	return nil
}

// IngesterFrom extracts the upload ingester from context.
func IngesterFrom(ctx context.Context) *ingest.Ingester {
	if s := ServicesFrom(ctx); s != nil {
		return s.Ingester
	}
	return nil
}

// ExporterFrom extracts the spreadsheet exporter from context.
func ExporterFrom(ctx context.Context) *export.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Exporter
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
