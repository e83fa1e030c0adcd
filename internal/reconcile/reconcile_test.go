package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/testutil"
)

func strp(s string) *string { return &s }

func questions(test string, entries ...extract.QuestionEntry) *extract.Result {
	return &extract.Result{PageType: extract.PageQuestions, Test: strp(test), Questions: entries}
}

func answers(test string, entries ...extract.AnswerEntry) *extract.Result {
	return &extract.Result{PageType: extract.PageAnswers, Test: strp(test), Answers: entries}
}

func TestApply_QuestionsThenAnswers(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	rc := New(s, testutil.Logger())
	ctx := context.Background()
	key := store.QuestionKey{CompetitionID: "comp", Test: "algebra1", QuestionNumber: 1}

	sum, err := rc.Apply(ctx, "comp", "p1", questions("algebra1", extract.QuestionEntry{Number: 1, Content: "2+2"}))
	if err != nil {
		t.Fatalf("Apply(questions) error = %v", err)
	}
	if sum.Created != 1 || sum.Updated != 0 {
		t.Errorf("Apply(questions) summary = %+v", sum)
	}

	sum, err = rc.Apply(ctx, "comp", "p2", answers("algebra1", extract.AnswerEntry{Number: 1, Content: "4"}))
	if err != nil {
		t.Fatalf("Apply(answers) error = %v", err)
	}
	if sum.Created != 0 || sum.Updated != 1 {
		t.Errorf("Apply(answers) summary = %+v", sum)
	}

	q, err := s.FindQuestion(ctx, key)
	if err != nil {
		t.Fatalf("FindQuestion() error = %v", err)
	}
	if q.QuestionContent == nil || *q.QuestionContent != "2+2" {
		t.Errorf("question content = %v, want 2+2 kept", q.QuestionContent)
	}
	if q.QuestionPageID == nil || *q.QuestionPageID != "p1" {
		t.Errorf("question page = %v, want p1", q.QuestionPageID)
	}
	if q.AnswerContent == nil || *q.AnswerContent != "4" {
		t.Errorf("answer content = %v, want 4", q.AnswerContent)
	}
	if q.AnswerPageID == nil || *q.AnswerPageID != "p2" {
		t.Errorf("answer page = %v, want p2", q.AnswerPageID)
	}
}

func TestApply_AnswersFirst(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	rc := New(s, testutil.Logger())
	ctx := context.Background()

	if _, err := rc.Apply(ctx, "comp", "a1", answers("geometry", extract.AnswerEntry{Number: 3, Content: "$\\pi$"})); err != nil {
		t.Fatalf("Apply(answers) error = %v", err)
	}
	if _, err := rc.Apply(ctx, "comp", "q1", questions("geometry",
		extract.QuestionEntry{Number: 3, Content: "Area of a unit circle?", IncludesDiagram: true})); err != nil {
		t.Fatalf("Apply(questions) error = %v", err)
	}

	rows, err := s.ListQuestions(ctx, "comp", "")
	if err != nil {
		t.Fatalf("ListQuestions() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	q := rows[0]
	if *q.AnswerContent != "$\\pi$" || !q.IncludesDiagram || *q.QuestionContent != "Area of a unit circle?" {
		t.Errorf("merged row = %+v", q)
	}
}

func TestApply_Idempotent(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	rc := New(s, testutil.Logger())
	ctx := context.Background()
	r := questions("fs8",
		extract.QuestionEntry{Number: 1, Content: "a"},
		extract.QuestionEntry{Number: 2, Content: "b"},
		extract.QuestionEntry{Number: 3, Content: "c"},
	)

	if _, err := rc.Apply(ctx, "comp", "p", r); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	before, _ := s.ListQuestions(ctx, "comp", "fs8")

	sum, err := rc.Apply(ctx, "comp", "p", r)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if sum.Created != 0 || sum.Updated != 3 {
		t.Errorf("second Apply() summary = %+v", sum)
	}

	after, _ := s.ListQuestions(ctx, "comp", "fs8")
	if len(after) != len(before) {
		t.Fatalf("rows before = %d, after = %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID || *after[i].QuestionContent != *before[i].QuestionContent {
			t.Errorf("row %d changed: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestApply_Concurrent(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	rc := New(s, testutil.Logger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var r *extract.Result
			if i%2 == 0 {
				r = questions("js2", extract.QuestionEntry{Number: 5, Content: "q"})
			} else {
				r = answers("js2", extract.AnswerEntry{Number: 5, Content: "a"})
			}
			if _, err := rc.Apply(ctx, "comp", "p", r); err != nil {
				t.Errorf("Apply() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	rows, err := s.ListQuestions(ctx, "comp", "js2")
	if err != nil {
		t.Fatalf("ListQuestions() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want exactly one per key", len(rows))
	}
	if rows[0].QuestionContent == nil || rows[0].AnswerContent == nil {
		t.Errorf("row lost a side of the merge: %+v", rows[0])
	}
}

func TestApply_NoneAndDuplicates(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	rc := New(s, testutil.Logger())
	ctx := context.Background()

	sum, err := rc.Apply(ctx, "comp", "p", &extract.Result{PageType: extract.PageNone})
	if err != nil || sum != (Summary{}) {
		t.Errorf("Apply(none) = %+v, %v", sum, err)
	}
	if sum, err := rc.Apply(ctx, "comp", "p", nil); err != nil || sum != (Summary{}) {
		t.Errorf("Apply(nil) = %+v, %v", sum, err)
	}

	_, err = rc.Apply(ctx, "comp", "p", questions("calculator",
		extract.QuestionEntry{Number: 7, Content: "first"},
		extract.QuestionEntry{Number: 7, Content: "second"},
	))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	rows, _ := s.ListQuestions(ctx, "comp", "")
	if len(rows) != 1 || *rows[0].QuestionContent != "second" {
		t.Errorf("rows = %+v, want one row with the last entry", rows)
	}
}
