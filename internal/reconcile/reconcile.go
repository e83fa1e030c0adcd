// Package reconcile merges validated page extractions into the question bank.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/store"
)

// Summary counts the rows an Apply touched.
type Summary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Reconciler upserts question and answer entries keyed by
// (competition, test, question number).
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Reconciler.
func New(s store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, logger: logger}
}

// Apply writes every entry of r, stamping pageID as the source page. A "none"
// page writes nothing. Entries are applied in order, so a number repeated
// within one result ends with the last entry's content.
func (rc *Reconciler) Apply(ctx context.Context, competitionID, pageID string, r *extract.Result) (Summary, error) {
	var sum Summary
	if r == nil || r.PageType == extract.PageNone {
		return sum, nil
	}

	test := r.TestCode()
	page := pageID

	switch r.PageType {
	case extract.PageQuestions:
		for _, q := range r.Questions {
			content, diagram := q.Content, q.IncludesDiagram
			patch := store.QuestionPatch{
				QuestionContent: &content,
				QuestionPageID:  &page,
				IncludesDiagram: &diagram,
			}
			if err := rc.upsert(ctx, &sum, store.QuestionKey{CompetitionID: competitionID, Test: test, QuestionNumber: q.Number}, patch); err != nil {
				return sum, err
			}
		}
	case extract.PageAnswers:
		for _, a := range r.Answers {
			content := a.Content
			patch := store.QuestionPatch{
				AnswerContent: &content,
				AnswerPageID:  &page,
			}
			if err := rc.upsert(ctx, &sum, store.QuestionKey{CompetitionID: competitionID, Test: test, QuestionNumber: a.Number}, patch); err != nil {
				return sum, err
			}
		}
	default:
		return sum, fmt.Errorf("unknown page type %q", r.PageType)
	}

	rc.logger.Debug("reconciled page",
		"competition_id", competitionID,
		"page_id", pageID,
		"test", test,
		"created", sum.Created,
		"updated", sum.Updated)
	return sum, nil
}

func (rc *Reconciler) upsert(ctx context.Context, sum *Summary, key store.QuestionKey, patch store.QuestionPatch) error {
	_, created, err := rc.store.UpsertQuestion(ctx, key, patch)
	if err != nil {
		return fmt.Errorf("failed to upsert %s #%d: %w", key.Test, key.QuestionNumber, err)
	}
	if created {
		sum.Created++
	} else {
		sum.Updated++
	}
	return nil
}
