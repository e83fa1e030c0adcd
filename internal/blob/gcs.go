package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/avast/retry-go/v4"
	"google.golang.org/api/googleapi"
)

// GCS stores blobs as objects in a Cloud Storage bucket. The original file
// name lives in object metadata.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	logger *slog.Logger
}

var _ Store = (*GCS)(nil)

// NewGCS creates a client for bucket using application default credentials.
func NewGCS(ctx context.Context, bucket string, logger *slog.Logger) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must be provided for the gcs blob store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), logger: logger}, nil
}

// Upload writes a new object, retrying transient failures. Each attempt is a
// create-if-absent so a retry after an ambiguous failure cannot overwrite.
func (g *GCS) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	id := newID()
	err := retry.Do(
		func() error { return g.write(ctx, id, name, data, contentType) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, errAlreadyWritten) }),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("blob upload failed, retrying", "object", id, "attempt", n+1, "error", err)
		}),
	)
	if errors.Is(err, errAlreadyWritten) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return id, nil
}

var errAlreadyWritten = errors.New("object already exists")

func (g *GCS) write(ctx context.Context, id, name string, data []byte, contentType string) error {
	w := g.bucket.Object(id).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"name": name}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			// An earlier attempt landed before its response was lost.
			return errAlreadyWritten
		}
		return err
	}
	return nil
}

func (g *GCS) Fetch(ctx context.Context, id string) ([]byte, error) {
	r, err := g.bucket.Object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", id, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Metadata(ctx context.Context, id string) (*Metadata, error) {
	attrs, err := g.bucket.Object(id).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attrs for %s: %w", id, err)
	}
	name := attrs.Metadata["name"]
	if name == "" {
		name = attrs.Name
	}
	return &Metadata{
		ID: id, Name: name, MimeType: attrs.ContentType, Size: attrs.Size, CreatedAt: attrs.Created,
	}, nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
