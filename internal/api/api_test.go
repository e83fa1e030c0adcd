package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"competition not found"}`))
	})
	mux.HandleFunc("POST /echo", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fh := r.MultipartForm.File["files"]
		json.NewEncoder(w).Encode(map[string]any{
			"competition": r.FormValue("competition_id"),
			"files":       len(fh),
			"name":        fh[0].Filename,
		})
	})
	mux.HandleFunc("GET /blob", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PK-binary"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	var status struct{ Status string }
	if err := c.Get(ctx, "/ok", &status); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("Get() status = %q", status.Status)
	}

	err := c.Get(ctx, "/fail", nil)
	if err == nil || !strings.Contains(err.Error(), "(404): competition not found") {
		t.Errorf("Get() error = %v, want decoded server error", err)
	}

	var echoed map[string]int
	if err := c.Post(ctx, "/echo", map[string]int{"year": 2024}, &echoed); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if echoed["year"] != 2024 {
		t.Errorf("Post() echoed = %v", echoed)
	}

	pdf := filepath.Join(t.TempDir(), "packet.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.4"), 0o644); err != nil {
		t.Fatal(err)
	}
	var up struct {
		Competition string `json:"competition"`
		Files       int    `json:"files"`
		Name        string `json:"name"`
	}
	if err := c.PostFiles(ctx, "/upload", "files", []string{pdf}, map[string]string{"competition_id": "c1"}, &up); err != nil {
		t.Fatalf("PostFiles() error = %v", err)
	}
	if up.Competition != "c1" || up.Files != 1 || up.Name != "packet.pdf" {
		t.Errorf("PostFiles() = %+v", up)
	}

	var buf bytes.Buffer
	if err := c.Download(ctx, "/blob", &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != "PK-binary" {
		t.Errorf("Download() = %q", buf.String())
	}
	if err := c.Download(ctx, "/fail", &buf); err == nil {
		t.Error("Download() of an error response succeeded")
	}
}

func TestOutputTo(t *testing.T) {
	data := struct {
		UploadID string `json:"upload_id"`
		NextPage int    `json:"next_page"`
	}{"u1", 3}

	var buf bytes.Buffer
	if err := OutputTo(&buf, OutputFormatYAML, data); err != nil {
		t.Fatalf("OutputTo(yaml) error = %v", err)
	}
	if got := buf.String(); !strings.Contains(got, "upload_id: u1") || !strings.Contains(got, "next_page: 3") {
		t.Errorf("OutputTo(yaml) = %q", got)
	}

	buf.Reset()
	if err := OutputTo(&buf, OutputFormatJSON, data); err != nil {
		t.Fatalf("OutputTo(json) error = %v", err)
	}
	if !strings.Contains(buf.String(), `"upload_id": "u1"`) {
		t.Errorf("OutputTo(json) = %q", buf.String())
	}

	if err := OutputTo(&buf, "xml", data); err == nil {
		t.Error("OutputTo(xml) succeeded")
	}
}

type fakeEndpoint struct {
	method, path, use, group string
	init                     bool
}

func (e *fakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return e.method, e.path, func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(e.use)) }
}

func (e *fakeEndpoint) RequiresInit() bool { return e.init }

func (e *fakeEndpoint) Command(func() string) *cobra.Command {
	if e.use == "" {
		return nil
	}
	return &cobra.Command{Use: e.use}
}

type groupedEndpoint struct{ fakeEndpoint }

func (e *groupedEndpoint) Group() string { return e.group }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeEndpoint{method: "GET", path: "/health", use: "health"})
	r.Register(&groupedEndpoint{fakeEndpoint{method: "GET", path: "/api/v1/competitions", use: "list", group: "competitions", init: true}})
	r.Register(&groupedEndpoint{fakeEndpoint{method: "POST", path: "/api/v1/competitions", use: "create", group: "competitions", init: true}})
	r.Register(&fakeEndpoint{method: "GET", path: "/swagger"}) // no command

	mux := http.NewServeMux()
	blocked := 0
	r.RegisterRoutes(mux, func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			blocked++
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Body.String() != "health" {
		t.Errorf("GET /health = %q", rec.Body.String())
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/competitions", nil))
	if rec.Code != http.StatusServiceUnavailable || blocked != 1 {
		t.Errorf("init-gated route: code = %d, blocked = %d", rec.Code, blocked)
	}

	root := r.BuildCommands(func() string { return "" })
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names["health"] || !names["competitions"] || len(names) != 2 {
		t.Errorf("api subcommands = %v", names)
	}
	comp, _, err := root.Find([]string{"competitions", "create"})
	if err != nil || comp.Name() != "create" {
		t.Errorf("Find(competitions create) = %v, %v", comp, err)
	}
}
