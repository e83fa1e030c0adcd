// Package blob stores page images. Pages are written once at ingestion and
// read by the pipeline and the HTTP surface.
package blob

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a blob id does not exist.
var ErrNotFound = errors.New("blob not found")

// Metadata describes a stored blob.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the blob-store surface the rest of the system consumes.
type Store interface {
	// Upload stores data under a new id and returns it.
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
	Metadata(ctx context.Context, id string) (*Metadata, error)
}

func newID() string {
	return uuid.New().String()
}
