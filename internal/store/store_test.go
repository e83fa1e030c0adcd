package store

import (
	"testing"
	"time"
)

func TestQuestionPatch_Apply(t *testing.T) {
	q := "2+2"
	a := "4"
	page := "p2"
	diagram := true

	row := &Question{QuestionContent: &q, IncludesDiagram: false}
	QuestionPatch{AnswerContent: &a, AnswerPageID: &page}.Apply(row)

	if row.QuestionContent == nil || *row.QuestionContent != "2+2" {
		t.Errorf("question content should be preserved, got %v", row.QuestionContent)
	}
	if row.AnswerContent == nil || *row.AnswerContent != "4" {
		t.Errorf("answer content = %v, want 4", row.AnswerContent)
	}
	if row.IncludesDiagram {
		t.Error("includes diagram should be untouched by a nil patch field")
	}

	QuestionPatch{IncludesDiagram: &diagram}.Apply(row)
	if !row.IncludesDiagram {
		t.Error("includes diagram should be set")
	}
}

func TestUpload_Done(t *testing.T) {
	tests := []struct {
		name string
		u    Upload
		want bool
	}{
		{"empty", Upload{}, true},
		{"start", Upload{Pages: []string{"a", "b"}}, false},
		{"end", Upload{Pages: []string{"a", "b"}, NextPage: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.u.Done(); got != tt.want {
				t.Errorf("Done() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToday(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2025, 3, 1, 21, 0, 0, 0, loc)
	if got := Today(now); got != "2025-03-02" {
		t.Errorf("Today() = %q, want 2025-03-02", got)
	}
}
