// Package providers holds the vision-model clients used for page extraction,
// the per-minute token bucket and structured-output parsing helpers.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// VisionClient sends images plus an instruction to a vision model and returns
// the raw text of its answer.
type VisionClient interface {
	// Name returns the provider identifier (e.g., "vertex").
	Name() string

	// Model returns the model the client calls.
	Model() string

	Generate(ctx context.Context, req *VisionRequest) (*VisionResult, error)
}

// VisionRequest is one model invocation.
type VisionRequest struct {
	Prompt string

	// Images are PNG-encoded pages, sent in order.
	Images [][]byte

	// Schema constrains the response when non-empty. It is a JSON Schema
	// document; SchemaName labels it for providers that need a name.
	Schema     json.RawMessage
	SchemaName string
}

// VisionResult is the model's answer.
type VisionResult struct {
	Content      string        `json:"content"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Latency      time.Duration `json:"latency"`
	ModelUsed    string        `json:"model_used"`
}

// RateLimitError reports that the provider rejected the call for quota.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError unwraps err to a RateLimitError.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
