package extract

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/jackzampolin/mathbank/internal/catalog"
)

//go:embed system.tmpl
var systemTmpl string

//go:embed schema.json
var schemaJSON []byte

var systemTemplate = template.Must(template.New("extract").Parse(systemTmpl))

// Prompt keys recorded on AI call records.
const (
	PromptKeyPage      = "extract.page"
	PromptKeyMultiPage = "extract.multi_page"
)

// SchemaName labels the response schema for providers that require a name.
const SchemaName = "page_extraction"

// Schema returns the JSON Schema the model response must satisfy.
func Schema() json.RawMessage {
	return json.RawMessage(schemaJSON)
}

type promptData struct {
	Tests           []catalog.Test
	AllowLargePrint bool
	MultiPage       bool
	PageCount       int
}

// Prompt renders the extraction instructions for pageCount images.
func Prompt(pageCount int, allowLargePrint bool) (string, error) {
	var buf bytes.Buffer
	err := systemTemplate.Execute(&buf, promptData{
		Tests:           catalog.Tests,
		AllowLargePrint: allowLargePrint,
		MultiPage:       pageCount > 1,
		PageCount:       pageCount,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render extraction prompt: %w", err)
	}
	return buf.String(), nil
}
