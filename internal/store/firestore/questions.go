package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/jackzampolin/mathbank/internal/store"
)

type questionDoc struct {
	CompetitionID   string    `firestore:"competition_id"`
	Test            string    `firestore:"test"`
	QuestionNumber  int       `firestore:"question_number"`
	QuestionContent *string   `firestore:"question_content"`
	QuestionPageID  *string   `firestore:"question_page_id"`
	AnswerContent   *string   `firestore:"answer_content"`
	AnswerPageID    *string   `firestore:"answer_page_id"`
	IncludesDiagram bool      `firestore:"includes_diagram"`
	CropX           *float64  `firestore:"crop_x"`
	CropY           *float64  `firestore:"crop_y"`
	CropWidth       *float64  `firestore:"crop_width"`
	CropHeight      *float64  `firestore:"crop_height"`
	CreatedAt       time.Time `firestore:"created_at"`
	UpdatedAt       time.Time `firestore:"updated_at"`
}

func (s *Store) FindQuestion(ctx context.Context, key store.QuestionKey) (*store.Question, error) {
	snap, err := s.client.Collection(colQuestions).Doc(questionDocID(key)).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find question: %w", err)
	}
	return toQuestion(snap)
}

// UpsertQuestion reads and writes the key's document in one transaction.
// Firestore retries the transaction on contention, so concurrent callers for
// one key serialize onto a single document.
func (s *Store) UpsertQuestion(ctx context.Context, key store.QuestionKey, patch store.QuestionPatch) (*store.Question, bool, error) {
	ref := s.client.Collection(colQuestions).Doc(questionDocID(key))
	var out *store.Question
	var created bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := s.now().UTC()
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			q := &store.Question{
				ID: ref.ID, CompetitionID: key.CompetitionID, Test: key.Test, QuestionNumber: key.QuestionNumber,
				CreatedAt: now, UpdatedAt: now,
			}
			patch.Apply(q)
			out, created = q, true
			return tx.Create(ref, fromQuestion(q))
		}
		if err != nil {
			return err
		}

		q, err := toQuestion(snap)
		if err != nil {
			return err
		}
		patch.Apply(q)
		q.UpdatedAt = now
		out, created = q, false
		return tx.Update(ref, patchUpdates(patch, now))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert question: %w", err)
	}
	return out, created, nil
}

func patchUpdates(p store.QuestionPatch, now time.Time) []firestore.Update {
	updates := []firestore.Update{{Path: "updated_at", Value: now}}
	if p.QuestionContent != nil {
		updates = append(updates, firestore.Update{Path: "question_content", Value: *p.QuestionContent})
	}
	if p.QuestionPageID != nil {
		updates = append(updates, firestore.Update{Path: "question_page_id", Value: *p.QuestionPageID})
	}
	if p.AnswerContent != nil {
		updates = append(updates, firestore.Update{Path: "answer_content", Value: *p.AnswerContent})
	}
	if p.AnswerPageID != nil {
		updates = append(updates, firestore.Update{Path: "answer_page_id", Value: *p.AnswerPageID})
	}
	if p.IncludesDiagram != nil {
		updates = append(updates, firestore.Update{Path: "includes_diagram", Value: *p.IncludesDiagram})
	}
	return updates
}

func (s *Store) ListQuestions(ctx context.Context, competitionID, test string) ([]*store.Question, error) {
	q := s.client.Collection(colQuestions).Where("competition_id", "==", competitionID)
	if test != "" {
		q = q.Where("test", "==", test)
	}
	snaps, err := q.OrderBy("test", firestore.Asc).OrderBy("question_number", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	out := make([]*store.Question, 0, len(snaps))
	for _, snap := range snaps {
		qq, err := toQuestion(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, qq)
	}
	return out, nil
}

func fromQuestion(q *store.Question) questionDoc {
	return questionDoc{
		CompetitionID: q.CompetitionID, Test: q.Test, QuestionNumber: q.QuestionNumber,
		QuestionContent: q.QuestionContent, QuestionPageID: q.QuestionPageID,
		AnswerContent: q.AnswerContent, AnswerPageID: q.AnswerPageID, IncludesDiagram: q.IncludesDiagram,
		CropX: q.CropX, CropY: q.CropY, CropWidth: q.CropWidth, CropHeight: q.CropHeight,
		CreatedAt: q.CreatedAt, UpdatedAt: q.UpdatedAt,
	}
}

func toQuestion(snap *firestore.DocumentSnapshot) (*store.Question, error) {
	var d questionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("corrupt question %s: %w", snap.Ref.ID, err)
	}
	return &store.Question{
		ID: snap.Ref.ID, CompetitionID: d.CompetitionID, Test: d.Test, QuestionNumber: d.QuestionNumber,
		QuestionContent: d.QuestionContent, QuestionPageID: d.QuestionPageID,
		AnswerContent: d.AnswerContent, AnswerPageID: d.AnswerPageID, IncludesDiagram: d.IncludesDiagram,
		CropX: d.CropX, CropY: d.CropY, CropWidth: d.CropWidth, CropHeight: d.CropHeight,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}, nil
}
