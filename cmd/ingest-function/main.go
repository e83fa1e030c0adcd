// Command ingest-function is a CloudEvents function that ingests packet PDFs
// dropped into a GCS bucket. The object must carry a competition_id metadata
// entry or live under a "<competition-id>/" prefix.
//
// Configuration comes from MATHBANK_* environment variables (or the file named
// by MATHBANK_CONFIG), typically MATHBANK_STORE_DRIVER=firestore and
// MATHBANK_BLOBS_DRIVER=gcs. The runtime needs pdftoppm, so deploy it as a
// container (Cloud Run functions) rather than on the stock Go buildpack.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/jackzampolin/mathbank/internal/config"
	"github.com/jackzampolin/mathbank/internal/ingest"
	"github.com/jackzampolin/mathbank/internal/server"
)

// StorageObject is the payload of a google.cloud.storage.object.v1.finalized event.
type StorageObject struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Size        string            `json:"size"`
	Metadata    map[string]string `json:"metadata"`
}

var (
	once    sync.Once
	runtime *server.Runtime
	objects *storage.Client
	initErr error
	logger  *slog.Logger
)

func init() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IngestPacket", ingestPacket)
}

// main is required by the Go Functions Framework.
func main() {}

func setup(ctx context.Context) error {
	mgr, err := config.NewManager(os.Getenv("MATHBANK_CONFIG"))
	if err != nil {
		return err
	}
	runtime, err = server.OpenRuntime(ctx, server.RuntimeConfig{Config: mgr.Get(), Logger: logger})
	if err != nil {
		return err
	}
	objects, err = storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}
	return nil
}

func ingestPacket(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		initErr = setup(context.Background())
	})
	if initErr != nil {
		logger.Error("function initialization failed", "error", initErr)
		return initErr
	}

	var obj StorageObject
	if err := json.Unmarshal(e.Data(), &obj); err != nil {
		logger.Error("failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	log := logger.With("bucket", obj.Bucket, "object", obj.Name, "event_id", e.ID())

	if !isPDF(obj) {
		log.Info("ignoring non-pdf object")
		return nil
	}
	competitionID, err := competitionFor(obj)
	if err != nil {
		// Retrying cannot fix a misplaced object.
		log.Warn("ignoring object without a competition", "error", err)
		return nil
	}

	dir, err := os.MkdirTemp("", "mathbank-ingest-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, path.Base(obj.Name))
	if err := download(ctx, obj, local); err != nil {
		log.Error("failed to download packet", "error", err)
		return err
	}

	u, err := runtime.Services.Ingester.Ingest(ctx, ingest.Request{
		CompetitionID: competitionID,
		PDFPaths:      []string{local},
		Filename:      path.Base(obj.Name),
	})
	if err != nil {
		log.Error("ingest failed", "competition_id", competitionID, "error", err)
		return err
	}
	log.Info("packet ingested",
		"competition_id", competitionID,
		"upload_id", u.ID,
		"pages", len(u.Pages))
	return nil
}

func isPDF(obj StorageObject) bool {
	return obj.ContentType == "application/pdf" || strings.HasSuffix(strings.ToLower(obj.Name), ".pdf")
}

// competitionFor reads the competition id from object metadata, falling back
// to the first path segment.
func competitionFor(obj StorageObject) (string, error) {
	if id := strings.TrimSpace(obj.Metadata["competition_id"]); id != "" {
		return id, nil
	}
	if i := strings.Index(obj.Name, "/"); i > 0 {
		return obj.Name[:i], nil
	}
	return "", fmt.Errorf("object %q has no competition_id metadata or prefix", obj.Name)
}

func download(ctx context.Context, obj StorageObject, dest string) error {
	r, err := objects.Bucket(obj.Bucket).Object(obj.Name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return f.Close()
}
