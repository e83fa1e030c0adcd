package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Renderer counts and rasterizes PDF pages.
type Renderer interface {
	PageCount(pdfPath string) (int, error)
	// Render returns page (1-indexed) of the PDF as PNG bytes.
	Render(ctx context.Context, pdfPath string, page int) ([]byte, error)
}

// Poppler renders pages with pdftoppm (poppler-utils) and counts them with pdfcpu.
type Poppler struct {
	DPI int // default 300
}

// PageCount returns the number of pages in the PDF. It also rejects files
// that are not valid PDFs.
func (p Poppler) PageCount(pdfPath string) (int, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	n, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Render rasterizes one page. pdftoppm renders whole pages, unlike extracting
// embedded image objects whose numbering may not follow page order.
func (p Poppler) Render(ctx context.Context, pdfPath string, page int) ([]byte, error) {
	dpi := p.DPI
	if dpi <= 0 {
		dpi = 300
	}

	tmpDir, err := os.MkdirTemp("", "mathbank-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	pageStr := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		pdfPath,
		prefix,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	// -singlefile writes <prefix>.png
	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}
