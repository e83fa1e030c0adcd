// Package extract turns page images into structured question or answer
// transcriptions using a vision model.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/mathbank/internal/llmcall"
	"github.com/jackzampolin/mathbank/internal/providers"
)

// Kind tags the outcome of one extraction.
type Kind int

const (
	OK Kind = iota
	RateLimited
	TransportError
	SchemaInvalid
)

func (k Kind) String() string {
	switch k {
	case OK:
		return llmcall.OutcomeOK
	case RateLimited:
		return llmcall.OutcomeRateLimited
	case TransportError:
		return llmcall.OutcomeTransportError
	case SchemaInvalid:
		return llmcall.OutcomeSchemaInvalid
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of Extract. Result is set only when Kind is OK.
type Outcome struct {
	Kind   Kind
	Result *Result
	Err    error
	// Raw is the model's response text, when there was one.
	Raw string
}

// Options controls one extraction.
type Options struct {
	AllowLargePrint bool

	// Traceability fields copied onto the AI call record.
	CompetitionID string
	UploadID      string
	PageIDs       []string
	Manual        bool
}

// ClientSource yields the vision client to call. *providers.Registry
// satisfies it and follows config reloads.
type ClientSource interface {
	Active() (providers.VisionClient, error)
}

// Config configures an Extractor.
type Config struct {
	Clients     ClientSource
	RateLimiter *providers.RateLimiter // optional per-minute throttle
	Recorder    *llmcall.Recorder      // optional
	Logger      *slog.Logger
}

// Extractor calls the active vision client with the extraction prompt and
// classifies the answer.
type Extractor struct {
	clients  ClientSource
	limiter  *providers.RateLimiter
	recorder *llmcall.Recorder
	logger   *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		clients:  cfg.Clients,
		limiter:  cfg.RateLimiter,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// Model returns the model of the active client, or "" when none is configured.
func (e *Extractor) Model() string {
	client, err := e.clients.Active()
	if err != nil {
		return ""
	}
	return client.Model()
}

// Extract sends the images, in order, as a single request. More than one
// image is treated as one logical page spread over several images.
func (e *Extractor) Extract(ctx context.Context, images [][]byte, opts Options) Outcome {
	if len(images) == 0 {
		return Outcome{Kind: TransportError, Err: errors.New("no page images")}
	}

	client, err := e.clients.Active()
	if err != nil {
		return Outcome{Kind: TransportError, Err: fmt.Errorf("no vision client: %w", err)}
	}

	prompt, err := Prompt(len(images), opts.AllowLargePrint)
	if err != nil {
		return Outcome{Kind: TransportError, Err: err}
	}

	promptKey := PromptKeyPage
	if len(images) > 1 {
		promptKey = PromptKeyMultiPage
	}
	record := llmcall.RecordOptions{
		CompetitionID: opts.CompetitionID,
		UploadID:      opts.UploadID,
		PageIDs:       opts.PageIDs,
		PromptKey:     promptKey,
		Provider:      client.Name(),
		Model:         client.Model(),
		Manual:        opts.Manual,
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Outcome{Kind: TransportError, Err: fmt.Errorf("rate limiter wait: %w", err)}
		}
	}

	result, err := client.Generate(ctx, &providers.VisionRequest{
		Prompt:     prompt,
		Images:     images,
		Schema:     Schema(),
		SchemaName: SchemaName,
	})
	if err != nil {
		out := Outcome{Kind: TransportError, Err: err}
		if rle, ok := providers.IsRateLimitError(err); ok {
			out.Kind = RateLimited
			if e.limiter != nil {
				e.limiter.Record429(rle.RetryAfter)
			}
		}
		e.logger.Warn("vision call failed",
			"outcome", out.Kind.String(),
			"model", client.Model(),
			"page_ids", opts.PageIDs,
			"error", err)
		e.recorder.Record(llmcall.New(result, out.Kind.String(), err, record))
		return out
	}

	out := classify(result.Content)
	if out.Kind != OK {
		e.logger.Warn("model response rejected",
			"model", client.Model(),
			"page_ids", opts.PageIDs,
			"error", out.Err)
	}
	e.recorder.Record(llmcall.New(result, out.Kind.String(), out.Err, record))
	return out
}

// classify parses and validates a model response.
func classify(content string) Outcome {
	out := Outcome{Raw: content}

	parsed, err := providers.ParseStructuredJSON(content)
	if err != nil {
		out.Kind, out.Err = SchemaInvalid, err
		return out
	}
	if err := providers.ValidateStructuredJSON(Schema(), parsed); err != nil {
		out.Kind, out.Err = SchemaInvalid, err
		return out
	}
	r, err := decodeResult(parsed)
	if err != nil {
		out.Kind, out.Err = SchemaInvalid, err
		return out
	}
	if err := r.Validate(); err != nil {
		out.Kind, out.Err = SchemaInvalid, fmt.Errorf("invalid extraction: %w", err)
		return out
	}

	out.Kind, out.Result = OK, r
	return out
}
