package endpoints

import (
	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/pgdocker"
)

// Config holds dependencies that do not flow through request context.
type Config struct {
	StoreDriver     string
	Postgres        *pgdocker.Manager // nil unless the server manages a local postgres container
	SwaggerSpecPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{StoreDriver: cfg.StoreDriver, Postgres: cfg.Postgres},

		// Competitions
		&CreateCompetitionEndpoint{},
		&ListCompetitionsEndpoint{},
		&GetCompetitionEndpoint{},
		&ListQuestionsEndpoint{},
		&ExportQuestionsEndpoint{},

		// Uploads
		&CreateUploadEndpoint{},
		&ListUploadsEndpoint{},
		&GetUploadEndpoint{},

		// Pages
		&PageImageEndpoint{},
		&PagePreviewEndpoint{},
		&ExtractPageEndpoint{},
		&ExtractPagesEndpoint{},

		// Pipeline and AI usage
		&PipelineStatusEndpoint{},
		&PipelineWakeEndpoint{},
		&UsageEndpoint{},
		&ListAICallsEndpoint{},

		// Swagger/OpenAPI
		&SwaggerEndpoint{SpecPath: cfg.SwaggerSpecPath},
		&SwaggerUIEndpoint{},
	}
}
