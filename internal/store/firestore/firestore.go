// Package firestore implements store.Store on Cloud Firestore for
// deployments that run the ingest function and the server on GCP.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jackzampolin/mathbank/internal/store"
)

const (
	colCompetitions = "competitions"
	colUploads      = "uploads"
	colQuestions    = "questions"
	colUsage        = "ai_usage"
	colCalls        = "ai_calls"
)

// Store is a Firestore-backed store.Store.
type Store struct {
	client *firestore.Client
	logger *slog.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open creates a Firestore client for projectID.
func Open(ctx context.Context, projectID string, logger *slog.Logger) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return New(client, logger), nil
}

// New wraps an existing client.
func New(client *firestore.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger, now: time.Now}
}

// Ping reads a missing document; any answer other than a transport error means
// the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.Collection(colCompetitions).Doc("_ping").Get(ctx)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// questionDocID derives the document id from the natural key so concurrent
// upserts of the same question address one document.
func questionDocID(key store.QuestionKey) string {
	return strings.Join([]string{safeID(key.CompetitionID), safeID(key.Test), strconv.Itoa(key.QuestionNumber)}, "_")
}

func usageDocID(model, date string) string {
	return safeID(model) + "_" + date
}

// safeID strips characters Firestore does not allow in document ids.
func safeID(s string) string {
	return strings.NewReplacer("/", "-", "_", "-").Replace(s)
}

// first returns the first snapshot of an iterator, or store.ErrNotFound.
func first(it *firestore.DocumentIterator) (*firestore.DocumentSnapshot, error) {
	defer it.Stop()
	snap, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return nil, store.ErrNotFound
	}
	return snap, err
}
