package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

// RecordAICall stores one model invocation.
func (s *Store) RecordAICall(ctx context.Context, c *store.AICall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now().UTC()
	}
	pageIDs := c.PageIDs
	if pageIDs == nil {
		pageIDs = []string{}
	}
	encoded, err := json.Marshal(pageIDs)
	if err != nil {
		return fmt.Errorf("failed to encode page ids: %w", err)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO ai_calls (id, ts, latency_ms, competition_id, upload_id, page_ids, prompt_key, provider, model,
			manual, input_tokens, output_tokens, outcome, response, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, nanos(c.Timestamp), c.LatencyMs, c.CompetitionID, c.UploadID, string(encoded), c.PromptKey,
		c.Provider, c.Model, c.Manual, c.InputTokens, c.OutputTokens, c.Outcome, c.Response, c.Error)
	if err != nil {
		return fmt.Errorf("failed to record ai call: %w", err)
	}
	return nil
}

// ListAICalls returns recorded calls, newest first.
func (s *Store) ListAICalls(ctx context.Context, f store.AICallFilter) ([]*store.AICall, error) {
	var where []string
	var args []any
	if f.UploadID != "" {
		where = append(where, "upload_id = ?")
		args = append(args, f.UploadID)
	}
	if f.PageID != "" {
		where = append(where, "page_ids LIKE ?")
		args = append(args, `%"`+f.PageID+`"%`)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}

	query := `SELECT id, ts, latency_ms, competition_id, upload_id, page_ids, prompt_key, provider, model,
		manual, input_tokens, output_tokens, outcome, response, error FROM ai_calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ai calls: %w", err)
	}
	defer rows.Close()

	var out []*store.AICall
	for rows.Next() {
		var c store.AICall
		var ts int64
		var pageIDs string
		if err := rows.Scan(&c.ID, &ts, &c.LatencyMs, &c.CompetitionID, &c.UploadID, &pageIDs, &c.PromptKey,
			&c.Provider, &c.Model, &c.Manual, &c.InputTokens, &c.OutputTokens, &c.Outcome, &c.Response, &c.Error); err != nil {
			return nil, fmt.Errorf("failed to scan ai call: %w", err)
		}
		if err := json.Unmarshal([]byte(pageIDs), &c.PageIDs); err != nil {
			return nil, fmt.Errorf("corrupt page ids for call %s: %w", c.ID, err)
		}
		c.Timestamp = fromNanos(ts)
		out = append(out, &c)
	}
	return out, rows.Err()
}
