package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const chatCompletionBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gemini-2.5-flash",
	"choices": [{
		"index": 0,
		"finish_reason": "stop",
		"message": {"role": "assistant", "content": "{\"pageType\":\"none\"}"}
	}],
	"usage": {"prompt_tokens": 1200, "completion_tokens": 12, "total_tokens": 1212}
}`

func TestOpenAIGenerateSuccess(t *testing.T) {
	var payload map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		Model:   "gemini-2.5-flash",
		BaseURL: server.URL,
	})

	result, err := client.Generate(context.Background(), &VisionRequest{
		Prompt:     "classify this page",
		Images:     [][]byte{[]byte("fake-png")},
		Schema:     json.RawMessage(`{"type":"object","properties":{"pageType":{"type":"string"}}}`),
		SchemaName: "page_extraction",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Content != `{"pageType":"none"}` {
		t.Errorf("Content = %q", result.Content)
	}
	if result.InputTokens != 1200 || result.OutputTokens != 12 {
		t.Errorf("tokens = %d/%d, want 1200/12", result.InputTokens, result.OutputTokens)
	}

	if got, _ := payload["model"].(string); got != "gemini-2.5-flash" {
		t.Errorf("model = %q", got)
	}
	rf, _ := payload["response_format"].(map[string]any)
	if got, _ := rf["type"].(string); got != "json_schema" {
		t.Errorf("response_format.type = %q, want json_schema", got)
	}

	messages, _ := payload["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
	raw, _ := json.Marshal(messages[0])
	if !strings.Contains(string(raw), "data:image/png;base64,") {
		t.Errorf("message does not carry an inline png: %s", raw)
	}
}

func TestOpenAIGenerateRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", Model: "m", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), &VisionRequest{Prompt: "x"})
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.RetryAfter.Seconds() != 3 {
		t.Errorf("RetryAfter = %v, want 3s", rle.RetryAfter)
	}
}

func TestOpenAIGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", Model: "m", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), &VisionRequest{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := IsRateLimitError(err); ok {
		t.Error("server error classified as rate limit")
	}
}
