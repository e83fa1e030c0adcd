package providers

import (
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGenaiSchema(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"pageType": {"type": "string", "enum": ["questions", "answers", "none"]},
			"test": {"type": ["string", "null"]},
			"answers": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"properties": {
						"number": {"type": "integer"},
						"content": {"type": "string"}
					},
					"required": ["number", "content"]
				}
			}
		},
		"required": ["pageType"]
	}`)

	s, err := GenaiSchema(raw)
	if err != nil {
		t.Fatalf("GenaiSchema() error = %v", err)
	}
	if s.Type != genai.TypeObject {
		t.Errorf("root type = %v, want object", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "pageType" {
		t.Errorf("required = %v", s.Required)
	}
	if pt := s.Properties["pageType"]; pt == nil || len(pt.Enum) != 3 {
		t.Errorf("pageType enum not carried: %+v", pt)
	}
	if test := s.Properties["test"]; test == nil || test.Type != genai.TypeString || !test.Nullable {
		t.Errorf("test should be a nullable string: %+v", test)
	}
	answers := s.Properties["answers"]
	if answers == nil || answers.Type != genai.TypeArray || !answers.Nullable {
		t.Fatalf("answers should be a nullable array: %+v", answers)
	}
	if answers.Items == nil || answers.Items.Properties["number"].Type != genai.TypeInteger {
		t.Errorf("answers items not converted: %+v", answers.Items)
	}
}

func TestGenaiSchema_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid_json", `{`},
		{"missing_type", `{"properties":{}}`},
		{"array_without_items", `{"type":"array"}`},
		{"multi_union", `{"type":["string","integer"]}`},
		{"unsupported", `{"type":"tuple"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := GenaiSchema(json.RawMessage(tt.raw)); err == nil {
				t.Error("GenaiSchema() expected error")
			}
		})
	}
}

func TestMapVertexError(t *testing.T) {
	err := mapVertexError(status.Error(codes.ResourceExhausted, "quota"))
	if _, ok := IsRateLimitError(err); !ok {
		t.Errorf("ResourceExhausted not mapped to RateLimitError: %v", err)
	}

	plain := errors.New("deadline")
	if got := mapVertexError(plain); got != plain {
		t.Errorf("mapVertexError() changed a non-quota error: %v", got)
	}
}
