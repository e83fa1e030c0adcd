package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMockClient(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		c := NewMockClient()
		c.ResponseText = `{"pageType":"none"}`

		result, err := c.Generate(context.Background(), &VisionRequest{
			Prompt: "extract",
			Images: [][]byte{[]byte("png")},
		})
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if result.Content != `{"pageType":"none"}` {
			t.Errorf("Content = %q", result.Content)
		}
		if c.RequestCount() != 1 {
			t.Errorf("RequestCount = %d, want 1", c.RequestCount())
		}
		if got := c.LastRequest(); got == nil || len(got.Images) != 1 {
			t.Errorf("LastRequest() = %+v", got)
		}
	})

	t.Run("responses in order", func(t *testing.T) {
		c := NewMockClient()
		c.Responses = []string{"a", "b"}
		want := []string{"a", "b", "b"}
		for i, w := range want {
			r, err := c.Generate(context.Background(), &VisionRequest{})
			if err != nil {
				t.Fatalf("Generate() #%d error = %v", i, err)
			}
			if r.Content != w {
				t.Errorf("Generate() #%d = %q, want %q", i, r.Content, w)
			}
		}
	})

	t.Run("configured error", func(t *testing.T) {
		c := NewMockClient()
		c.Err = &RateLimitError{Message: "quota"}
		_, err := c.Generate(context.Background(), &VisionRequest{})
		if _, ok := IsRateLimitError(err); !ok {
			t.Errorf("Generate() error = %v, want RateLimitError", err)
		}
	})

	t.Run("fail after N", func(t *testing.T) {
		c := NewMockClient()
		c.FailAfter = 1
		if _, err := c.Generate(context.Background(), &VisionRequest{}); err != nil {
			t.Fatalf("first Generate() error = %v", err)
		}
		if _, err := c.Generate(context.Background(), &VisionRequest{}); err == nil {
			t.Error("second Generate() expected error")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		c := NewMockClient()
		c.Latency = time.Second
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.Generate(ctx, &VisionRequest{}); !errors.Is(err, context.Canceled) {
			t.Errorf("Generate() error = %v, want context.Canceled", err)
		}
	})
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("call failed: %w", &RateLimitError{Message: "slow down", RetryAfter: 2 * time.Second})
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("IsRateLimitError() = false for wrapped error")
	}
	if rle.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s", rle.RetryAfter)
	}
	if _, ok := IsRateLimitError(errors.New("other")); ok {
		t.Error("IsRateLimitError() = true for plain error")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"garbage", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows initial requests", func(t *testing.T) {
		limiter := NewRateLimiter(600)

		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("try consume", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
		if limiter.TryConsume() {
			t.Error("second TryConsume should fail with a budget of one")
		}
	})

	t.Run("status", func(t *testing.T) {
		limiter := NewRateLimiter(60)
		status := limiter.Status()
		if status.TokensLimit != 60 {
			t.Errorf("TokensLimit = %d, want 60", status.TokensLimit)
		}
		if status.TokensAvailable <= 0 {
			t.Error("expected positive tokens available")
		}
	})

	t.Run("record 429", func(t *testing.T) {
		limiter := NewRateLimiter(60)
		limiter.Record429(time.Second)
		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
		if status.TokensAvailable != 0 {
			t.Errorf("TokensAvailable = %d after drain, want 0", status.TokensAvailable)
		}
	})

	t.Run("set requests per minute", func(t *testing.T) {
		limiter := NewRateLimiter(100)
		limiter.SetRequestsPerMinute(10)
		if got := limiter.Status().TokensLimit; got != 10 {
			t.Errorf("TokensLimit = %d, want 10", got)
		}
		if got := limiter.Status().TokensAvailable; got > 10 {
			t.Errorf("TokensAvailable = %d, want <= 10", got)
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		limiter.Wait(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := limiter.Wait(ctx); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(6000)

		var wg sync.WaitGroup
		var failures atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()
		if failures.Load() > 0 {
			t.Errorf("%d requests failed", failures.Load())
		}
	})
}
