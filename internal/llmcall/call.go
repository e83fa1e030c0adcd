// Package llmcall records every vision-model invocation for traceability.
// Each record links the call to its competition, upload and pages, and keeps
// the raw response and token counts.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/providers"
	"github.com/jackzampolin/mathbank/internal/store"
)

// Outcome labels stored on a call record.
const (
	OutcomeOK             = "ok"
	OutcomeRateLimited    = "rate_limited"
	OutcomeTransportError = "transport_error"
	OutcomeSchemaInvalid  = "schema_invalid"
)

// RecordOptions provides context for recording a call.
type RecordOptions struct {
	CompetitionID string
	UploadID      string
	PageIDs       []string

	// PromptKey identifies the prompt variant, e.g. "extract.page".
	PromptKey string

	Provider string
	Model    string
	Manual   bool
}

// New builds a call record from a provider result. result may be nil when
// the provider failed before answering.
func New(result *providers.VisionResult, outcome string, callErr error, opts RecordOptions) *store.AICall {
	call := &store.AICall{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		CompetitionID: opts.CompetitionID,
		UploadID:      opts.UploadID,
		PageIDs:       append([]string(nil), opts.PageIDs...),
		PromptKey:     opts.PromptKey,
		Provider:      opts.Provider,
		Model:         opts.Model,
		Manual:        opts.Manual,
		Outcome:       outcome,
	}
	if result != nil {
		call.LatencyMs = int(result.Latency.Milliseconds())
		call.InputTokens = result.InputTokens
		call.OutputTokens = result.OutputTokens
		call.Response = result.Content
		if result.ModelUsed != "" {
			call.Model = result.ModelUsed
		}
	}
	if callErr != nil {
		call.Error = callErr.Error()
	}
	return call
}
