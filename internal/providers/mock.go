package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockClient is a VisionClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int // Fail after N requests (0 = never)
	Err          error
	ResponseText string

	// Responses, when set, are returned in order; the last one repeats.
	Responses []string

	ModelName string

	// State
	requestCount atomic.Int64
	mu           sync.Mutex
	requests     []*VisionRequest
}

var _ VisionClient = (*MockClient)(nil)

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: `{"pageType":"none","test":null,"questions":null,"answers":null}`,
		ModelName:    "gemini-2.5-flash",
	}
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

func (c *MockClient) Model() string {
	return c.ModelName
}

// Generate returns the configured response after Latency.
func (c *MockClient) Generate(ctx context.Context, req *VisionRequest) (*VisionResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.Err != nil {
		return nil, c.Err
	}
	if c.ShouldFail {
		return nil, fmt.Errorf("mock client configured to fail")
	}
	if c.FailAfter > 0 && int(count) > c.FailAfter {
		return nil, fmt.Errorf("mock client failed after %d requests", c.FailAfter)
	}

	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	text := c.ResponseText
	if len(c.Responses) > 0 {
		i := int(count) - 1
		if i >= len(c.Responses) {
			i = len(c.Responses) - 1
		}
		text = c.Responses[i]
	}

	return &VisionResult{
		Content:      text,
		InputTokens:  len(req.Prompt)/4 + 258*len(req.Images),
		OutputTokens: len(text) / 4,
		Latency:      time.Since(start),
		ModelUsed:    c.ModelName,
	}, nil
}

// RequestCount returns the number of requests made.
func (c *MockClient) RequestCount() int64 {
	return c.requestCount.Load()
}

// LastRequest returns the most recent request, or nil.
func (c *MockClient) LastRequest() *VisionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

// Reset resets the request counter.
func (c *MockClient) Reset() {
	c.requestCount.Store(0)
	c.mu.Lock()
	c.requests = nil
	c.mu.Unlock()
}
