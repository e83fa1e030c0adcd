package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

const uploadCols = `id, competition_id, filename, pages, next_page, state, skipped_pages, created_at, updated_at`

// CreateUpload inserts an upload, assigning an id when empty.
func (s *Store) CreateUpload(ctx context.Context, u *store.Upload) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.State == "" {
		u.State = store.StateUploading
	}
	if u.NextPage < 0 || u.NextPage > len(u.Pages) {
		return fmt.Errorf("cursor %d out of range for %d pages", u.NextPage, len(u.Pages))
	}

	pages, skipped, err := encodePages(u.Pages, u.SkippedPages)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO uploads (id, competition_id, filename, pages, page_count, next_page, state, skipped_pages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.CompetitionID, u.Filename, pages, len(u.Pages), u.NextPage, string(u.State), skipped,
		nanos(u.CreatedAt), nanos(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

// GetUpload returns an upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (*store.Upload, error) {
	return s.getUpload(ctx, s.db, id)
}

func (s *Store) getUpload(ctx context.Context, q queryer, id string) (*store.Upload, error) {
	u, err := scanUpload(s.queryRow(ctx, q, `SELECT `+uploadCols+` FROM uploads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return u, nil
}

// ListUploads returns uploads in the given state (all when empty), newest first.
func (s *Store) ListUploads(ctx context.Context, state store.UploadState) ([]*store.Upload, error) {
	query := `SELECT ` + uploadCols + ` FROM uploads`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	defer rows.Close()

	var out []*store.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUploadPages replaces the page list and state. The cursor is clamped to the new length.
func (s *Store) SetUploadPages(ctx context.Context, id string, pages []string, state store.UploadState) error {
	encoded, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to encode pages: %w", err)
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE uploads SET pages = ?, page_count = ?, state = ?,
		   next_page = CASE WHEN next_page > ? THEN ? ELSE next_page END, updated_at = ?
		 WHERE id = ?`,
		string(encoded), len(pages), string(state), len(pages), len(pages), nanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to set upload pages: %w", err)
	}
	return expectOne(res)
}

// OldestProcessingUpload returns the oldest upload in the processing state.
func (s *Store) OldestProcessingUpload(ctx context.Context) (*store.Upload, error) {
	u, err := scanUpload(s.queryRow(ctx, s.db,
		`SELECT `+uploadCols+` FROM uploads WHERE state = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(store.StateProcessing)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find processing upload: %w", err)
	}
	return u, nil
}

// HasProcessingUpload reports whether any upload is in the processing state.
func (s *Store) HasProcessingUpload(ctx context.Context) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM uploads WHERE state = ?`, string(store.StateProcessing)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count processing uploads: %w", err)
	}
	return n > 0, nil
}

// AdvanceUpload moves the cursor from `from` to from+1, marking the upload
// processed when it reaches the end.
func (s *Store) AdvanceUpload(ctx context.Context, id string, from int) (*store.Upload, error) {
	var out *store.Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.advance(ctx, tx, id, from, ""); err != nil {
			return err
		}
		u, err := s.getUpload(ctx, tx, id)
		out = u
		return err
	})
	return out, err
}

// SkipPage dead-letters the page at `from` and advances past it.
func (s *Store) SkipPage(ctx context.Context, id string, from int, pageID string) (*store.Upload, error) {
	var out *store.Upload
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUpload(ctx, tx, id)
		if err != nil {
			return err
		}
		if u.NextPage != from {
			return store.ErrConflict
		}
		_, skipped, err := encodePages(nil, append(u.SkippedPages, pageID))
		if err != nil {
			return err
		}
		if err := s.advance(ctx, tx, id, from, skipped); err != nil {
			return err
		}
		out, err = s.getUpload(ctx, tx, id)
		return err
	})
	return out, err
}

// advance applies the compare-and-set cursor move. skipped replaces the
// skipped_pages column when non-empty.
func (s *Store) advance(ctx context.Context, tx *sql.Tx, id string, from int, skipped string) error {
	query := `UPDATE uploads SET
		next_page = next_page + 1,
		state = CASE WHEN next_page + 1 >= page_count THEN ? ELSE state END,
		updated_at = ?`
	args := []any{string(store.StateProcessed), nanos(s.now())}
	if skipped != "" {
		query += `, skipped_pages = ?`
		args = append(args, skipped)
	}
	query += ` WHERE id = ? AND next_page = ? AND next_page < page_count AND state = ?`
	args = append(args, id, from, string(store.StateProcessing))

	res, err := s.exec(ctx, tx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to advance upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.getUpload(ctx, tx, id); err != nil {
		return err
	}
	return store.ErrConflict
}

// MarkUploadProcessed moves the cursor to the end and sets the processed state.
func (s *Store) MarkUploadProcessed(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE uploads SET state = ?, next_page = page_count, updated_at = ? WHERE id = ?`,
		string(store.StateProcessed), nanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark upload processed: %w", err)
	}
	return expectOne(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*store.Upload, error) {
	var u store.Upload
	var pages, skipped, state string
	var created, updated int64
	if err := row.Scan(&u.ID, &u.CompetitionID, &u.Filename, &pages, &u.NextPage, &state, &skipped, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pages), &u.Pages); err != nil {
		return nil, fmt.Errorf("corrupt pages for upload %s: %w", u.ID, err)
	}
	if err := json.Unmarshal([]byte(skipped), &u.SkippedPages); err != nil {
		return nil, fmt.Errorf("corrupt skipped pages for upload %s: %w", u.ID, err)
	}
	if u.Pages == nil {
		u.Pages = []string{}
	}
	u.State = store.UploadState(state)
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	return &u, nil
}

func encodePages(pages, skipped []string) (string, string, error) {
	if pages == nil {
		pages = []string{}
	}
	if skipped == nil {
		skipped = []string{}
	}
	p, err := json.Marshal(pages)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode pages: %w", err)
	}
	sk, err := json.Marshal(skipped)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode skipped pages: %w", err)
	}
	return string(p), string(sk), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
