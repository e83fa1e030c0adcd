package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

// CreateCompetition inserts a competition, assigning an id when empty.
func (s *Store) CreateCompetition(ctx context.Context, c *store.Competition) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO competitions (id, year, division, location, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Year, c.Division, c.Location, nanos(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create competition: %w", err)
	}
	return nil
}

// GetCompetition returns a competition by id.
func (s *Store) GetCompetition(ctx context.Context, id string) (*store.Competition, error) {
	var c store.Competition
	var created int64
	err := s.queryRow(ctx, s.db,
		`SELECT id, year, division, location, created_at FROM competitions WHERE id = ?`, id,
	).Scan(&c.ID, &c.Year, &c.Division, &c.Location, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get competition: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	return &c, nil
}

// ListCompetitions returns all competitions, newest year first.
func (s *Store) ListCompetitions(ctx context.Context) ([]*store.Competition, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, year, division, location, created_at FROM competitions ORDER BY year DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list competitions: %w", err)
	}
	defer rows.Close()

	var out []*store.Competition
	for rows.Next() {
		var c store.Competition
		var created int64
		if err := rows.Scan(&c.ID, &c.Year, &c.Division, &c.Location, &created); err != nil {
			return nil, fmt.Errorf("failed to scan competition: %w", err)
		}
		c.CreatedAt = fromNanos(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}
