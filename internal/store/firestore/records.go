package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jackzampolin/mathbank/internal/store"
)

type competitionDoc struct {
	Year      int       `firestore:"year"`
	Division  string    `firestore:"division"`
	Location  string    `firestore:"location"`
	CreatedAt time.Time `firestore:"created_at"`
}

func (s *Store) CreateCompetition(ctx context.Context, c *store.Competition) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	_, err := s.client.Collection(colCompetitions).Doc(c.ID).Create(ctx, competitionDoc{
		Year: c.Year, Division: c.Division, Location: c.Location, CreatedAt: c.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create competition: %w", err)
	}
	return nil
}

func (s *Store) GetCompetition(ctx context.Context, id string) (*store.Competition, error) {
	snap, err := s.client.Collection(colCompetitions).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get competition: %w", err)
	}
	return toCompetition(snap)
}

func (s *Store) ListCompetitions(ctx context.Context) ([]*store.Competition, error) {
	snaps, err := s.client.Collection(colCompetitions).OrderBy("year", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list competitions: %w", err)
	}
	out := make([]*store.Competition, 0, len(snaps))
	for _, snap := range snaps {
		c, err := toCompetition(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func toCompetition(snap *firestore.DocumentSnapshot) (*store.Competition, error) {
	var d competitionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("corrupt competition %s: %w", snap.Ref.ID, err)
	}
	return &store.Competition{
		ID: snap.Ref.ID, Year: d.Year, Division: d.Division, Location: d.Location, CreatedAt: d.CreatedAt,
	}, nil
}

type usageDoc struct {
	Model string `firestore:"model"`
	Date  string `firestore:"day"`
	Uses  int    `firestore:"uses"`
}

func (s *Store) FindUsage(ctx context.Context, model, date string) (*store.UsageRow, error) {
	return s.usageByID(ctx, usageDocID(model, date))
}

func (s *Store) usageByID(ctx context.Context, id string) (*store.UsageRow, error) {
	snap, err := s.client.Collection(colUsage).Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return toUsage(snap)
}

// CreateUsage creates the counter document. A concurrent creator wins and its
// document is returned.
func (s *Store) CreateUsage(ctx context.Context, model, date string) (*store.UsageRow, error) {
	ref := s.client.Collection(colUsage).Doc(usageDocID(model, date))
	_, err := ref.Create(ctx, usageDoc{Model: model, Date: date})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to create usage: %w", err)
	}
	return s.usageByID(ctx, ref.ID)
}

// IncrementUsage adds delta inside a transaction so the bound check and the
// write see the same count.
func (s *Store) IncrementUsage(ctx context.Context, id string, delta, max int) (*store.UsageRow, error) {
	ref := s.client.Collection(colUsage).Doc(id)
	var out *store.UsageRow
	var limited bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		limited = false
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		row, err := toUsage(snap)
		if err != nil {
			return err
		}
		if max > 0 && row.Uses+delta > max {
			limited = true
			out = row
			return nil
		}
		row.Uses += delta
		out = row
		return tx.Update(ref, []firestore.Update{{Path: "uses", Value: firestore.Increment(delta)}})
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	if limited {
		return out, store.ErrLimitReached
	}
	return out, nil
}

func toUsage(snap *firestore.DocumentSnapshot) (*store.UsageRow, error) {
	var d usageDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("corrupt usage %s: %w", snap.Ref.ID, err)
	}
	return &store.UsageRow{ID: snap.Ref.ID, Model: d.Model, Date: d.Date, Uses: d.Uses}, nil
}

type callDoc struct {
	Timestamp     time.Time `firestore:"ts"`
	LatencyMs     int       `firestore:"latency_ms"`
	CompetitionID string    `firestore:"competition_id"`
	UploadID      string    `firestore:"upload_id"`
	PageIDs       []string  `firestore:"page_ids"`
	PromptKey     string    `firestore:"prompt_key"`
	Provider      string    `firestore:"provider"`
	Model         string    `firestore:"model"`
	Manual        bool      `firestore:"manual"`
	InputTokens   int       `firestore:"input_tokens"`
	OutputTokens  int       `firestore:"output_tokens"`
	Outcome       string    `firestore:"outcome"`
	Response      string    `firestore:"response"`
	Error         string    `firestore:"error"`
}

func (s *Store) RecordAICall(ctx context.Context, c *store.AICall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now().UTC()
	}
	_, err := s.client.Collection(colCalls).Doc(c.ID).Set(ctx, callDoc{
		Timestamp: c.Timestamp, LatencyMs: c.LatencyMs, CompetitionID: c.CompetitionID, UploadID: c.UploadID,
		PageIDs: c.PageIDs, PromptKey: c.PromptKey, Provider: c.Provider, Model: c.Model, Manual: c.Manual,
		InputTokens: c.InputTokens, OutputTokens: c.OutputTokens, Outcome: c.Outcome,
		Response: c.Response, Error: c.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to record ai call: %w", err)
	}
	return nil
}

func (s *Store) ListAICalls(ctx context.Context, f store.AICallFilter) ([]*store.AICall, error) {
	q := s.client.Collection(colCalls).Query
	if f.UploadID != "" {
		q = q.Where("upload_id", "==", f.UploadID)
	}
	if f.PageID != "" {
		q = q.Where("page_ids", "array-contains", f.PageID)
	}
	if f.Outcome != "" {
		q = q.Where("outcome", "==", f.Outcome)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	it := q.OrderBy("ts", firestore.Desc).Limit(limit).Documents(ctx)
	defer it.Stop()

	var out []*store.AICall
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list ai calls: %w", err)
		}
		var d callDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("corrupt ai call %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &store.AICall{
			ID: snap.Ref.ID, Timestamp: d.Timestamp, LatencyMs: d.LatencyMs, CompetitionID: d.CompetitionID,
			UploadID: d.UploadID, PageIDs: d.PageIDs, PromptKey: d.PromptKey, Provider: d.Provider,
			Model: d.Model, Manual: d.Manual, InputTokens: d.InputTokens, OutputTokens: d.OutputTokens,
			Outcome: d.Outcome, Response: d.Response, Error: d.Error,
		})
	}
	return out, nil
}
