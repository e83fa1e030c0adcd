package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VertexName identifies the Vertex AI Gemini client.
const VertexName = "vertex"

// VertexConfig configures the Vertex AI client. Credentials come from the
// environment (application default credentials).
type VertexConfig struct {
	ProjectID string
	Region    string
	Model     string
}

// VertexClient implements VisionClient with Gemini on Vertex AI.
type VertexClient struct {
	cfg    VertexConfig
	client *genai.Client
}

var _ VisionClient = (*VertexClient)(nil)

// NewVertexClient dials Vertex AI.
func NewVertexClient(ctx context.Context, cfg VertexConfig) (*VertexClient, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required for vertex")
	}
	if cfg.Region == "" {
		cfg.Region = "us-central1"
	}
	client, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexClient{cfg: cfg, client: client}, nil
}

func (c *VertexClient) Name() string  { return VertexName }
func (c *VertexClient) Model() string { return c.cfg.Model }

// Close releases the underlying gRPC connection.
func (c *VertexClient) Close() error {
	return c.client.Close()
}

func (c *VertexClient) Generate(ctx context.Context, req *VisionRequest) (*VisionResult, error) {
	model := c.client.GenerativeModel(c.cfg.Model)
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	if len(req.Schema) > 0 {
		schema, err := GenaiSchema(req.Schema)
		if err != nil {
			return nil, err
		}
		model.ResponseSchema = schema
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	parts := []genai.Part{genai.Text(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.ImageData("png", img))
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, mapVertexError(err)
	}

	result := &VisionResult{
		Content:   responseText(resp),
		Latency:   time.Since(start),
		ModelUsed: c.cfg.Model,
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func mapVertexError(err error) error {
	if status.Code(err) == codes.ResourceExhausted {
		return &RateLimitError{Message: fmt.Sprintf("Vertex rate limited: %v", err), StatusCode: 429}
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 429 {
		return &RateLimitError{
			Message:    fmt.Sprintf("Vertex rate limited: %s", gerr.Message),
			RetryAfter: parseRetryAfter(gerr.Header.Get("Retry-After")),
			StatusCode: gerr.Code,
		}
	}
	return err
}

// GenaiSchema converts the JSON Schema subset used for responses (object,
// array, string, integer, number, boolean, enum, required, and ["T","null"]
// unions) into a genai.Schema.
func GenaiSchema(raw json.RawMessage) (*genai.Schema, error) {
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("invalid response schema: %w", err)
	}
	return toGenaiSchema(root)
}

func toGenaiSchema(node map[string]any) (*genai.Schema, error) {
	s := &genai.Schema{}

	typeName, nullable, err := schemaType(node["type"])
	if err != nil {
		return nil, err
	}
	s.Nullable = nullable
	if n, ok := node["nullable"].(bool); ok && n {
		s.Nullable = true
	}
	if d, ok := node["description"].(string); ok {
		s.Description = d
	}

	switch typeName {
	case "object":
		s.Type = genai.TypeObject
		props, _ := node["properties"].(map[string]any)
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			pm, ok := p.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("property %q is not an object", name)
			}
			child, err := toGenaiSchema(pm)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			s.Properties[name] = child
		}
		if req, ok := node["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					s.Required = append(s.Required, name)
				}
			}
		}
	case "array":
		s.Type = genai.TypeArray
		items, ok := node["items"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("array schema without items")
		}
		child, err := toGenaiSchema(items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		s.Items = child
	case "string":
		s.Type = genai.TypeString
		if enum, ok := node["enum"].([]any); ok {
			for _, e := range enum {
				if v, ok := e.(string); ok {
					s.Enum = append(s.Enum, v)
				}
			}
		}
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	default:
		return nil, fmt.Errorf("unsupported schema type %q", typeName)
	}
	return s, nil
}

// schemaType reads a "type" keyword, folding a ["T","null"] union into T plus
// a nullable flag.
func schemaType(v any) (string, bool, error) {
	switch t := v.(type) {
	case string:
		return t, false, nil
	case []any:
		var name string
		nullable := false
		for _, item := range t {
			s, _ := item.(string)
			switch {
			case s == "null":
				nullable = true
			case name == "":
				name = s
			default:
				return "", false, fmt.Errorf("unsupported type union %v", t)
			}
		}
		if name == "" {
			return "", false, fmt.Errorf("type union without a concrete type")
		}
		return name, nullable, nil
	default:
		return "", false, fmt.Errorf("missing schema type")
	}
}
