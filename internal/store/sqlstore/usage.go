package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

// FindUsage returns the counter row for model on date.
func (s *Store) FindUsage(ctx context.Context, model, date string) (*store.UsageRow, error) {
	var r store.UsageRow
	err := s.queryRow(ctx, s.db,
		`SELECT id, model, day, uses FROM ai_usage WHERE model = ? AND day = ?`, model, date,
	).Scan(&r.ID, &r.Model, &r.Date, &r.Uses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find usage: %w", err)
	}
	return &r, nil
}

// CreateUsage creates the counter row with zero uses. A concurrent creator
// for the same (model, date) wins and its row is returned.
func (s *Store) CreateUsage(ctx context.Context, model, date string) (*store.UsageRow, error) {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO ai_usage (id, model, day, uses) VALUES (?, ?, ?, 0) ON CONFLICT (model, day) DO NOTHING`,
		uuid.New().String(), model, date)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage: %w", err)
	}
	return s.FindUsage(ctx, model, date)
}

// IncrementUsage adds delta to the counter. With max > 0 the update only
// applies while the result stays within max.
func (s *Store) IncrementUsage(ctx context.Context, id string, delta, max int) (*store.UsageRow, error) {
	var res sql.Result
	var err error
	if max > 0 {
		res, err = s.exec(ctx, s.db,
			`UPDATE ai_usage SET uses = uses + ? WHERE id = ? AND uses + ? <= ?`, delta, id, delta, max)
	} else {
		res, err = s.exec(ctx, s.db, `UPDATE ai_usage SET uses = uses + ? WHERE id = ?`, delta, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	row, gerr := s.usageByID(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if n == 0 {
		return row, store.ErrLimitReached
	}
	return row, nil
}

func (s *Store) usageByID(ctx context.Context, id string) (*store.UsageRow, error) {
	var r store.UsageRow
	err := s.queryRow(ctx, s.db, `SELECT id, model, day, uses FROM ai_usage WHERE id = ?`, id).
		Scan(&r.ID, &r.Model, &r.Date, &r.Uses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &r, nil
}
