package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores blobs as files under a directory, with a JSON sidecar per blob.
type Local struct {
	dir string
	now func() time.Time
}

var _ Store = (*Local)(nil)

// NewLocal creates the directory if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Local{dir: dir, now: time.Now}, nil
}

func (l *Local) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := newID()
	if err := writeAtomic(l.dataPath(id), data); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	meta, err := json.Marshal(Metadata{
		ID: id, Name: name, MimeType: contentType, Size: int64(len(data)), CreatedAt: l.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	if err := writeAtomic(l.metaPath(id), meta); err != nil {
		return "", fmt.Errorf("failed to write blob metadata: %w", err)
	}
	return id, nil
}

func (l *Local) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.dataPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *Local) Metadata(ctx context.Context, id string) (*Metadata, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(l.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt blob metadata %s: %w", id, err)
	}
	return &m, nil
}

func (l *Local) dataPath(id string) string { return filepath.Join(l.dir, id) }
func (l *Local) metaPath(id string) string { return filepath.Join(l.dir, id+".json") }

// validID rejects ids that would escape the blob directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return ErrNotFound
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
