package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

const questionCols = `id, competition_id, test, question_number, question_content, question_page_id,
	answer_content, answer_page_id, includes_diagram, crop_x, crop_y, crop_width, crop_height, created_at, updated_at`

// FindQuestion returns the row for key, or store.ErrNotFound.
func (s *Store) FindQuestion(ctx context.Context, key store.QuestionKey) (*store.Question, error) {
	q, err := scanQuestion(s.queryRow(ctx, s.db,
		`SELECT `+questionCols+` FROM questions WHERE competition_id = ? AND test = ? AND question_number = ?`,
		key.CompetitionID, key.Test, key.QuestionNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find question: %w", err)
	}
	return q, nil
}

// UpsertQuestion inserts the row for key or merges patch into the existing row
// in one statement. The unique index on the key makes concurrent callers
// converge on a single row.
func (s *Store) UpsertQuestion(ctx context.Context, key store.QuestionKey, patch store.QuestionPatch) (*store.Question, bool, error) {
	id := uuid.New().String()
	now := nanos(s.now())

	diagram := false
	if patch.IncludesDiagram != nil {
		diagram = *patch.IncludesDiagram
	}

	var sets []string
	if patch.QuestionContent != nil {
		sets = append(sets, "question_content = excluded.question_content")
	}
	if patch.QuestionPageID != nil {
		sets = append(sets, "question_page_id = excluded.question_page_id")
	}
	if patch.AnswerContent != nil {
		sets = append(sets, "answer_content = excluded.answer_content")
	}
	if patch.AnswerPageID != nil {
		sets = append(sets, "answer_page_id = excluded.answer_page_id")
	}
	if patch.IncludesDiagram != nil {
		sets = append(sets, "includes_diagram = excluded.includes_diagram")
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	query := `INSERT INTO questions (id, competition_id, test, question_number, question_content, question_page_id,
			answer_content, answer_page_id, includes_diagram, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (competition_id, test, question_number) DO UPDATE SET ` + strings.Join(sets, ", ") + `
		RETURNING ` + questionCols

	q, err := scanQuestion(s.queryRow(ctx, s.db, query,
		id, key.CompetitionID, key.Test, key.QuestionNumber,
		stringArg(patch.QuestionContent), stringArg(patch.QuestionPageID),
		stringArg(patch.AnswerContent), stringArg(patch.AnswerPageID),
		diagram, now, now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert question: %w", err)
	}
	return q, q.ID == id, nil
}

// ListQuestions returns the questions of a competition, optionally for one test.
func (s *Store) ListQuestions(ctx context.Context, competitionID, test string) ([]*store.Question, error) {
	query := `SELECT ` + questionCols + ` FROM questions WHERE competition_id = ?`
	args := []any{competitionID}
	if test != "" {
		query += ` AND test = ?`
		args = append(args, test)
	}
	query += ` ORDER BY test, question_number`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var out []*store.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanQuestion(row rowScanner) (*store.Question, error) {
	var q store.Question
	var qc, qp, ac, ap sql.NullString
	var cx, cy, cw, ch sql.NullFloat64
	var created, updated int64
	err := row.Scan(&q.ID, &q.CompetitionID, &q.Test, &q.QuestionNumber, &qc, &qp, &ac, &ap,
		&q.IncludesDiagram, &cx, &cy, &cw, &ch, &created, &updated)
	if err != nil {
		return nil, err
	}
	q.QuestionContent = nullString(qc)
	q.QuestionPageID = nullString(qp)
	q.AnswerContent = nullString(ac)
	q.AnswerPageID = nullString(ap)
	q.CropX = nullFloat(cx)
	q.CropY = nullFloat(cy)
	q.CropWidth = nullFloat(cw)
	q.CropHeight = nullFloat(ch)
	q.CreatedAt = fromNanos(created)
	q.UpdatedAt = fromNanos(updated)
	return &q, nil
}
