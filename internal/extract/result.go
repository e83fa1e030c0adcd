package extract

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackzampolin/mathbank/internal/catalog"
)

// PageType classifies a page.
type PageType string

const (
	PageQuestions PageType = "questions"
	PageAnswers   PageType = "answers"
	PageNone      PageType = "none"
)

// QuestionEntry is one transcribed question.
type QuestionEntry struct {
	Number          int    `json:"number"`
	Content         string `json:"content"`
	IncludesDiagram bool   `json:"includesDiagram"`
}

// AnswerEntry is one transcribed answer.
type AnswerEntry struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}

// Result is a validated extraction. A nil list means the model returned null;
// an empty list is a page that matched but held no entries.
type Result struct {
	PageType  PageType        `json:"pageType"`
	Test      *string         `json:"test"`
	Questions []QuestionEntry `json:"questions"`
	Answers   []AnswerEntry   `json:"answers"`
}

// TestCode returns the test code, or "" when absent.
func (r *Result) TestCode() string {
	if r.Test == nil {
		return ""
	}
	return *r.Test
}

var errMissingPageType = errors.New("missing pageType")

// Validate checks the semantic rules the JSON schema cannot express.
func (r *Result) Validate() error {
	switch r.PageType {
	case "":
		return errMissingPageType
	case PageNone:
		return nil
	case PageQuestions, PageAnswers:
	default:
		return fmt.Errorf("unknown pageType %q", r.PageType)
	}

	code := r.TestCode()
	if code == "" {
		return fmt.Errorf("%s page without a test", r.PageType)
	}
	if !catalog.IsValid(code) {
		return fmt.Errorf("unknown test code %q", code)
	}
	if r.PageType == PageQuestions && r.Questions == nil {
		return fmt.Errorf("questions page without a questions list")
	}
	if r.PageType == PageAnswers && r.Answers == nil {
		return fmt.Errorf("answers page without an answers list")
	}
	return nil
}

func decodeResult(raw json.RawMessage) (*Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %w", err)
	}
	return &r, nil
}
