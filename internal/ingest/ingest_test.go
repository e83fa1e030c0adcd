package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/testutil"
)

// fakeRenderer reports a fixed page count per file and renders a marker.
type fakeRenderer struct {
	pages  map[string]int
	failOn int
}

func (f *fakeRenderer) PageCount(path string) (int, error) {
	n, ok := f.pages[filepath.Base(path)]
	if !ok {
		return 0, errors.New("not a PDF")
	}
	return n, nil
}

func (f *fakeRenderer) Render(ctx context.Context, path string, page int) ([]byte, error) {
	if f.failOn == page {
		return nil, errors.New("render failed")
	}
	return []byte(fmt.Sprintf("%s#%d", filepath.Base(path), page)), nil
}

// recordingStore captures the page-list lengths written during ingestion.
type recordingStore struct {
	store.Store
	mu     sync.Mutex
	writes []int
	states []store.UploadState
}

func (r *recordingStore) SetUploadPages(ctx context.Context, id string, pages []string, state store.UploadState) error {
	r.mu.Lock()
	r.writes = append(r.writes, len(pages))
	r.states = append(r.states, state)
	r.mu.Unlock()
	return r.Store.SetUploadPages(ctx, id, pages, state)
}

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

func writePDFs(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		if err := os.WriteFile(paths[i], []byte("%PDF"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func newIngester(t *testing.T, r Renderer, workers int) (*Ingester, *recordingStore, blob.Store, *countingWaker, *store.Competition) {
	t.Helper()
	s := &recordingStore{Store: testutil.NewSQLiteStore(t)}
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	comp := testutil.CreateCompetition(t, s)
	w := &countingWaker{}
	ing := New(Config{Store: s, Blobs: blobs, Renderer: r, Waker: w, Workers: workers, Logger: testutil.Logger()})
	return ing, s, blobs, w, comp
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	r := &fakeRenderer{pages: map[string]int{"packet-1.pdf": 7, "packet-2.pdf": 5}}
	ing, s, blobs, w, comp := newIngester(t, r, 1)
	paths := writePDFs(t, "packet-2.pdf", "packet-1.pdf")

	u, err := ing.Ingest(ctx, Request{CompetitionID: comp.ID, PDFPaths: paths})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if u.State != store.StateProcessing || len(u.Pages) != 12 || u.NextPage != 0 {
		t.Fatalf("upload = %+v", u)
	}
	if u.Filename != "packet-1.pdf" {
		t.Errorf("Filename = %q", u.Filename)
	}
	if w.n.Load() != 1 {
		t.Errorf("waker called %d times, want 1", w.n.Load())
	}

	// Pages follow the multi-part order, and names carry the page number.
	for i, id := range u.Pages {
		data, err := blobs.Fetch(ctx, id)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", i, err)
		}
		want := fmt.Sprintf("packet-1.pdf#%d", i+1)
		if i >= 7 {
			want = fmt.Sprintf("packet-2.pdf#%d", i-6)
		}
		if string(data) != want {
			t.Errorf("page %d = %q, want %q", i, data, want)
		}
		meta, err := blobs.Metadata(ctx, id)
		if err != nil {
			t.Fatalf("Metadata() error = %v", err)
		}
		if !strings.HasPrefix(meta.Name, "upload-") || !strings.HasSuffix(meta.Name, fmt.Sprintf("-page-%d.png", i+1)) {
			t.Errorf("page %d name = %q", i, meta.Name)
		}
	}

	// With one worker the prefix grows in order: saved at 5 and 10, then final.
	want := []int{5, 10, 12}
	if fmt.Sprint(s.writes) != fmt.Sprint(want) {
		t.Errorf("page list writes = %v, want %v", s.writes, want)
	}
	if last := s.states[len(s.states)-1]; last != store.StateProcessing {
		t.Errorf("final state = %s", last)
	}
	for _, st := range s.states[:len(s.states)-1] {
		if st != store.StateUploading {
			t.Errorf("partial write in state %s, want uploading", st)
		}
	}
}

func TestIngest_Concurrent(t *testing.T) {
	r := &fakeRenderer{pages: map[string]int{"big.pdf": 23}}
	ing, s, blobs, _, comp := newIngester(t, r, 8)

	u, err := ing.Ingest(context.Background(), Request{CompetitionID: comp.ID, PDFPaths: writePDFs(t, "big.pdf")})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	for i, id := range u.Pages {
		data, _ := blobs.Fetch(context.Background(), id)
		if string(data) != fmt.Sprintf("big.pdf#%d", i+1) {
			t.Errorf("page %d out of order: %q", i, data)
		}
	}
	prev := 0
	for _, n := range s.writes {
		if n < prev {
			t.Errorf("page list shrank: %v", s.writes)
		}
		prev = n
	}
}

func TestIngest_Errors(t *testing.T) {
	ctx := context.Background()
	r := &fakeRenderer{pages: map[string]int{"ok.pdf": 6, "empty.pdf": 0}, failOn: 3}
	ing, s, _, w, comp := newIngester(t, r, 2)

	if _, err := ing.Ingest(ctx, Request{CompetitionID: comp.ID}); !errors.Is(err, ErrInvalidRequest) {
		t.Error("Ingest() without PDFs succeeded")
	}
	if _, err := ing.Ingest(ctx, Request{CompetitionID: "missing", PDFPaths: writePDFs(t, "ok.pdf")}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown competition: err = %v", err)
	}
	if _, err := ing.Ingest(ctx, Request{CompetitionID: comp.ID, PDFPaths: writePDFs(t, "bad.pdf")}); !errors.Is(err, ErrInvalidRequest) {
		t.Error("Ingest() accepted a file that is not a PDF")
	}
	if _, err := ing.Ingest(ctx, Request{CompetitionID: comp.ID, PDFPaths: writePDFs(t, "empty.pdf")}); err == nil {
		t.Error("Ingest() accepted a PDF with no pages")
	}

	u, err := ing.Ingest(ctx, Request{CompetitionID: comp.ID, PDFPaths: writePDFs(t, "ok.pdf")})
	if err == nil {
		t.Fatal("Ingest() succeeded despite a render failure")
	}
	got, err := s.GetUpload(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUpload() error = %v", err)
	}
	if got.State != store.StateUploading {
		t.Errorf("failed upload state = %s, want uploading", got.State)
	}
	if w.n.Load() != 0 {
		t.Error("pipeline woken for a failed upload")
	}
}

func TestStart(t *testing.T) {
	r := &fakeRenderer{pages: map[string]int{"p.pdf": 3}}
	ing, s, _, w, comp := newIngester(t, r, 2)

	done := make(chan error, 1)
	u, err := ing.Start(context.Background(), Request{CompetitionID: comp.ID, PDFPaths: writePDFs(t, "p.pdf")}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if u.State != store.StateUploading {
		t.Errorf("Start() state = %s, want uploading", u.State)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("background ingest error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background ingest did not finish")
	}
	got, _ := s.GetUpload(context.Background(), u.ID)
	if got.State != store.StateProcessing || len(got.Pages) != 3 {
		t.Errorf("upload = %+v", got)
	}
	if w.n.Load() != 1 {
		t.Error("waker not called")
	}
}

func TestPoppler(t *testing.T) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		t.Skip("pdftoppm not installed")
	}
	pdf := filepath.Join("testdata", "packet.pdf")
	if _, err := os.Stat(pdf); err != nil {
		t.Skip("test fixture not found")
	}

	p := Poppler{DPI: 50}
	n, err := p.PageCount(pdf)
	if err != nil {
		t.Fatalf("PageCount() error = %v", err)
	}
	data, err := p.Render(context.Background(), pdf, n)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(data) < 8 || string(data[1:4]) != "PNG" {
		t.Error("Render() did not return a PNG")
	}
}

func TestSortPDFsByNumber(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "already sorted",
			input:    []string{"p-1.pdf", "p-2.pdf", "p-3.pdf"},
			expected: []string{"p-1.pdf", "p-2.pdf", "p-3.pdf"},
		},
		{
			name:     "double digits",
			input:    []string{"p-10.pdf", "p-2.pdf", "p-1.pdf"},
			expected: []string{"p-1.pdf", "p-2.pdf", "p-10.pdf"},
		},
		{
			name:     "numbered and unnumbered",
			input:    []string{"p-2.pdf", "p.pdf", "p-1.pdf"},
			expected: []string{"p.pdf", "p-1.pdf", "p-2.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sortPDFsByNumber(tt.input)
			if fmt.Sprint(result) != fmt.Sprint(tt.expected) {
				t.Errorf("got %v, want %v", result, tt.expected)
			}
		})
	}
}
