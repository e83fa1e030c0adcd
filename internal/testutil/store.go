package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/store/sqlstore"
)

// Logger returns a logger that writes warnings and errors to stderr.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// NewSQLiteStore opens a private in-memory store closed at test cleanup.
func NewSQLiteStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: "sqlite", DSN: ":memory:", Logger: Logger()})
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// CreateCompetition inserts a competition for tests.
func CreateCompetition(t *testing.T, s store.Store) *store.Competition {
	t.Helper()
	c := &store.Competition{Year: 2024, Division: "regional", Location: "Test"}
	if err := s.CreateCompetition(context.Background(), c); err != nil {
		t.Fatalf("failed to create competition: %v", err)
	}
	return c
}

// CreateProcessingUpload inserts an upload in the processing state.
func CreateProcessingUpload(t *testing.T, s store.Store, competitionID string, pages ...string) *store.Upload {
	t.Helper()
	if pages == nil {
		pages = []string{}
	}
	u := &store.Upload{CompetitionID: competitionID, Pages: pages, State: store.StateProcessing}
	if err := s.CreateUpload(context.Background(), u); err != nil {
		t.Fatalf("failed to create upload: %v", err)
	}
	return u
}
