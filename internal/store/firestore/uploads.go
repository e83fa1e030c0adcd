package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"

	"github.com/jackzampolin/mathbank/internal/store"
)

type uploadDoc struct {
	CompetitionID string    `firestore:"competition_id"`
	Filename      string    `firestore:"filename"`
	Pages         []string  `firestore:"pages"`
	NextPage      int       `firestore:"next_page"`
	State         string    `firestore:"state"`
	SkippedPages  []string  `firestore:"skipped_pages"`
	CreatedAt     time.Time `firestore:"created_at"`
	UpdatedAt     time.Time `firestore:"updated_at"`
}

func (s *Store) uploads() *firestore.CollectionRef {
	return s.client.Collection(colUploads)
}

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
	if u.Pages == nil {
		u.Pages = []string{}
	}
	_, err := s.uploads().Doc(u.ID).Create(ctx, uploadDoc{
		CompetitionID: u.CompetitionID, Filename: u.Filename, Pages: u.Pages, NextPage: u.NextPage,
		State: string(u.State), SkippedPages: u.SkippedPages, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to create upload: %w", err)
	}
	return nil
}

func (s *Store) GetUpload(ctx context.Context, id string) (*store.Upload, error) {
	snap, err := s.uploads().Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", err)
	}
	return toUpload(snap)
}

func (s *Store) ListUploads(ctx context.Context, state store.UploadState) ([]*store.Upload, error) {
	q := s.uploads().Query
	if state != "" {
		q = q.Where("state", "==", string(state))
	}
	snaps, err := q.OrderBy("created_at", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	out := make([]*store.Upload, 0, len(snaps))
	for _, snap := range snaps {
		u, err := toUpload(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) SetUploadPages(ctx context.Context, id string, pages []string, state store.UploadState) error {
	ref := s.uploads().Doc(id)
	return s.mapTxErr(s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		u, err := toUpload(snap)
		if err != nil {
			return err
		}
		next := u.NextPage
		if next > len(pages) {
			next = len(pages)
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "pages", Value: pages},
			{Path: "state", Value: string(state)},
			{Path: "next_page", Value: next},
			{Path: "updated_at", Value: s.now().UTC()},
		})
	}), "set upload pages")
}

func (s *Store) OldestProcessingUpload(ctx context.Context) (*store.Upload, error) {
	snap, err := first(s.uploads().
		Where("state", "==", string(store.StateProcessing)).
		OrderBy("created_at", firestore.Asc).
		Limit(1).Documents(ctx))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to find processing upload: %w", err)
	}
	return toUpload(snap)
}

func (s *Store) HasProcessingUpload(ctx context.Context) (bool, error) {
	_, err := first(s.uploads().Where("state", "==", string(store.StateProcessing)).Limit(1).Documents(ctx))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query processing uploads: %w", err)
	}
	return true, nil
}

func (s *Store) AdvanceUpload(ctx context.Context, id string, from int) (*store.Upload, error) {
	return s.advance(ctx, id, from, "")
}

func (s *Store) SkipPage(ctx context.Context, id string, from int, pageID string) (*store.Upload, error) {
	return s.advance(ctx, id, from, pageID)
}

// advance is the transactional compare-and-set on the cursor. A non-empty
// skipped page id is appended to the dead-letter list in the same write.
func (s *Store) advance(ctx context.Context, id string, from int, skipped string) (*store.Upload, error) {
	ref := s.uploads().Doc(id)
	var out *store.Upload
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		u, err := toUpload(snap)
		if err != nil {
			return err
		}
		if u.State != store.StateProcessing || u.NextPage != from || u.NextPage >= len(u.Pages) {
			return store.ErrConflict
		}

		u.NextPage++
		u.UpdatedAt = s.now().UTC()
		updates := []firestore.Update{
			{Path: "next_page", Value: u.NextPage},
			{Path: "updated_at", Value: u.UpdatedAt},
		}
		if u.Done() {
			u.State = store.StateProcessed
			updates = append(updates, firestore.Update{Path: "state", Value: string(u.State)})
		}
		if skipped != "" {
			u.SkippedPages = append(u.SkippedPages, skipped)
			updates = append(updates, firestore.Update{Path: "skipped_pages", Value: firestore.ArrayUnion(skipped)})
		}
		out = u
		return tx.Update(ref, updates)
	})
	if err != nil {
		return nil, s.mapTxErr(err, "advance upload")
	}
	return out, nil
}

func (s *Store) MarkUploadProcessed(ctx context.Context, id string) error {
	ref := s.uploads().Doc(id)
	return s.mapTxErr(s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if isNotFound(err) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		u, err := toUpload(snap)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "state", Value: string(store.StateProcessed)},
			{Path: "next_page", Value: len(u.Pages)},
			{Path: "updated_at", Value: s.now().UTC()},
		})
	}), "mark upload processed")
}

// mapTxErr passes store sentinels through and wraps everything else.
func (s *Store) mapTxErr(err error, op string) error {
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func toUpload(snap *firestore.DocumentSnapshot) (*store.Upload, error) {
	var d uploadDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("corrupt upload %s: %w", snap.Ref.ID, err)
	}
	if d.Pages == nil {
		d.Pages = []string{}
	}
	return &store.Upload{
		ID: snap.Ref.ID, CompetitionID: d.CompetitionID, Filename: d.Filename, Pages: d.Pages,
		NextPage: d.NextPage, State: store.UploadState(d.State), SkippedPages: d.SkippedPages,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}, nil
}
