// Package ingest turns competition packet PDFs into page images and upload
// rows the pipeline can walk.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/store"
)

// saveEvery is how often, in pages, the partial page list is persisted.
const saveEvery = 5

// Waker is notified when an upload becomes ready for processing.
type Waker interface {
	Wake()
}

// Config configures an Ingester.
type Config struct {
	Store    store.Store
	Blobs    blob.Store
	Renderer Renderer // default Poppler{}
	Waker    Waker    // optional
	Workers  int      // concurrent page renders, default NumCPU
	Logger   *slog.Logger
}

// Ingester renders PDFs to page images and registers them as uploads.
type Ingester struct {
	store    store.Store
	blobs    blob.Store
	renderer Renderer
	waker    Waker
	workers  int
	logger   *slog.Logger

	running sync.WaitGroup
}

// New creates an Ingester.
func New(cfg Config) *Ingester {
	if cfg.Renderer == nil {
		cfg.Renderer = Poppler{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingester{
		store:    cfg.Store,
		blobs:    cfg.Blobs,
		renderer: cfg.Renderer,
		waker:    cfg.Waker,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}
}

// ErrInvalidRequest wraps problems with the submitted PDFs.
var ErrInvalidRequest = errors.New("invalid ingest request")

// Request names the PDFs of one packet. Multi-part packets
// (packet-1.pdf, packet-2.pdf) are ordered by numeric suffix.
type Request struct {
	CompetitionID string
	PDFPaths      []string
	Filename      string // defaults to the first PDF's base name
}

// job is a created upload plus what Run needs to fill it.
type job struct {
	upload *store.Upload
	paths  []string
	counts []int
}

// Ingest creates the upload and renders every page before returning.
func (i *Ingester) Ingest(ctx context.Context, req Request) (*store.Upload, error) {
	j, err := i.create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := i.run(ctx, j); err != nil {
		return j.upload, err
	}
	return i.store.GetUpload(ctx, j.upload.ID)
}

// Start validates the request and creates the upload in the uploading state,
// then renders pages in the background. done, when non-nil, is called with
// the render result.
func (i *Ingester) Start(ctx context.Context, req Request, done func(error)) (*store.Upload, error) {
	j, err := i.create(ctx, req)
	if err != nil {
		return nil, err
	}
	i.running.Add(1)
	go func() {
		defer i.running.Done()
		err := i.run(context.WithoutCancel(ctx), j)
		if done != nil {
			done(err)
		}
	}()
	return j.upload, nil
}

// Wait blocks until every render started with Start has finished.
func (i *Ingester) Wait() {
	i.running.Wait()
}

func (i *Ingester) create(ctx context.Context, req Request) (*job, error) {
	if len(req.PDFPaths) == 0 {
		return nil, fmt.Errorf("%w: no PDF paths provided", ErrInvalidRequest)
	}
	if _, err := i.store.GetCompetition(ctx, req.CompetitionID); err != nil {
		return nil, fmt.Errorf("competition %q: %w", req.CompetitionID, err)
	}

	paths := sortPDFsByNumber(req.PDFPaths)
	counts := make([]int, len(paths))
	total := 0
	for n, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: PDF not found: %s", ErrInvalidRequest, p)
		}
		c, err := i.renderer.PageCount(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, filepath.Base(p), err)
		}
		counts[n] = c
		total += c
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: PDF has no pages", ErrInvalidRequest)
	}

	name := req.Filename
	if name == "" {
		name = filepath.Base(paths[0])
	}
	u := &store.Upload{
		CompetitionID: req.CompetitionID,
		Filename:      name,
		Pages:         []string{},
		State:         store.StateUploading,
	}
	if err := i.store.CreateUpload(ctx, u); err != nil {
		return nil, err
	}
	i.logger.Info("upload created",
		"upload_id", u.ID,
		"competition_id", u.CompetitionID,
		"pdfs", len(paths),
		"pages", total)
	return &job{upload: u, paths: paths, counts: counts}, nil
}

// run renders every page, stores it, persists the page list every few
// pages, then flips the upload to processing and wakes the pipeline.
func (i *Ingester) run(ctx context.Context, j *job) error {
	total := 0
	for _, c := range j.counts {
		total += c
	}
	prefix := "upload-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	ids := make([]string, total)
	logger := i.logger.With("upload_id", j.upload.ID)

	var mu sync.Mutex
	saved := 0
	// savePrefix persists the longest fully uploaded prefix once it crosses
	// another saveEvery boundary. mu serializes the writes so the stored
	// list only grows.
	savePrefix := func() {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for n < len(ids) && ids[n] != "" {
			n++
		}
		if n/saveEvery <= saved/saveEvery || n == len(ids) {
			return
		}
		if err := i.store.SetUploadPages(ctx, j.upload.ID, ids[:n], store.StateUploading); err != nil {
			logger.Warn("failed to save partial page list", "pages", n, "error", err)
			return
		}
		saved = n
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	out := 0
	for n, path := range j.paths {
		for page := 1; page <= j.counts[n]; page++ {
			slot := out
			out++
			g.Go(func() error {
				data, err := i.renderer.Render(gctx, path, page)
				if err != nil {
					return fmt.Errorf("failed to render page %d of %s: %w", page, filepath.Base(path), err)
				}
				id, err := i.blobs.Upload(gctx, fmt.Sprintf("%s-page-%d.png", prefix, slot+1), data, "image/png")
				if err != nil {
					return fmt.Errorf("failed to store page %d: %w", slot+1, err)
				}
				mu.Lock()
				ids[slot] = id
				mu.Unlock()
				savePrefix()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		logger.Error("ingest failed, upload left in uploading state", "error", err)
		return err
	}

	if err := i.store.SetUploadPages(ctx, j.upload.ID, ids, store.StateProcessing); err != nil {
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	logger.Info("ingest complete", "pages", total)
	if i.waker != nil {
		i.waker.Wake()
	}
	return nil
}

// sortPDFsByNumber sorts PDF paths by their numeric suffix, e.g.
// ["p-2.pdf", "p-1.pdf", "p-10.pdf"] -> ["p-1.pdf", "p-2.pdf", "p-10.pdf"].
// Files without a suffix come first.
func sortPDFsByNumber(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)

	re := regexp.MustCompile(`-(\d+)\.pdf$`)
	sort.SliceStable(sorted, func(i, j int) bool {
		mi := re.FindStringSubmatch(sorted[i])
		mj := re.FindStringSubmatch(sorted[j])
		switch {
		case len(mi) > 1 && len(mj) > 1:
			ni, _ := strconv.Atoi(mi[1])
			nj, _ := strconv.Atoi(mj[1])
			return ni < nj
		case len(mi) > 1:
			return false
		case len(mj) > 1:
			return true
		default:
			return sorted[i] < sorted[j]
		}
	})
	return sorted
}
