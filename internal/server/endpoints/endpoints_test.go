package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/export"
	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/pipeline"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/svcctx"
	"github.com/jackzampolin/mathbank/internal/testutil"
	"github.com/jackzampolin/mathbank/internal/usage"
)

// stubExtractor returns a fixed outcome and records the images it was given.
type stubExtractor struct {
	mu      sync.Mutex
	outcome extract.Outcome
	calls   []extract.Options
}

func (s *stubExtractor) Model() string { return "gemini-2.5-flash" }

func (s *stubExtractor) Extract(ctx context.Context, images [][]byte, opts extract.Options) extract.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	return s.outcome
}

type testEnv struct {
	server    *httptest.Server
	store     store.Store
	blobs     *blob.Local
	extractor *stubExtractor
	ctrl      *pipeline.Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := testutil.NewSQLiteStore(t)
	blobs, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	logger := testutil.Logger()
	lim := usage.New(usage.Config{Store: s, Logger: logger})
	ext := &stubExtractor{}
	ctrl := pipeline.NewController(pipeline.Config{
		Store:     s,
		Blobs:     blobs,
		Extractor: ext,
		Usage:     lim,
		Logger:    logger,
	})
	svc := &svcctx.Services{
		Store:      s,
		Blobs:      blobs,
		Usage:      lim,
		Controller: ctrl,
		Exporter:   export.NewService(s, logger),
		Logger:     logger,
	}

	reg := api.NewRegistry()
	for _, ep := range All(Config{StoreDriver: "sqlite"}) {
		reg.Register(ep)
	}
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux, func(h http.HandlerFunc) http.HandlerFunc { return h })
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r.WithContext(svcctx.WithServices(r.Context(), svc)))
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: s, blobs: blobs, extractor: ext, ctrl: ctrl}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func pngPage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	var health HealthResponse
	if code := env.do(t, "GET", "/health", nil, &health); code != http.StatusOK || health.Status != "ok" {
		t.Errorf("GET /health = %d %+v", code, health)
	}
	var ready HealthResponse
	if code := env.do(t, "GET", "/ready", nil, &ready); code != http.StatusOK || ready.Store != "ok" {
		t.Errorf("GET /ready = %d %+v", code, ready)
	}
	var status StatusResponse
	if code := env.do(t, "GET", "/status", nil, &status); code != http.StatusOK {
		t.Fatalf("GET /status = %d", code)
	}
	if status.Store.Driver != "sqlite" || status.Store.Health != "healthy" {
		t.Errorf("status.Store = %+v", status.Store)
	}
}

func TestCompetitions(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  CreateCompetitionRequest
		want int
	}{
		{"valid", CreateCompetitionRequest{Year: 2024, Division: "state", Location: "Austin"}, http.StatusCreated},
		{"bad division", CreateCompetitionRequest{Year: 2024, Division: "national", Location: "Austin"}, http.StatusBadRequest},
		{"bad year", CreateCompetitionRequest{Year: 12, Division: "state", Location: "Austin"}, http.StatusBadRequest},
		{"no location", CreateCompetitionRequest{Year: 2024, Division: "regional"}, http.StatusBadRequest},
	}
	var created CompetitionResponse
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out CompetitionResponse
			if code := env.do(t, "POST", "/api/v1/competitions", tt.req, &out); code != tt.want {
				t.Fatalf("POST /api/v1/competitions = %d, want %d", code, tt.want)
			}
			if tt.want == http.StatusCreated {
				created = out
			}
		})
	}
	if created.Competition == nil || created.Name != "2024 state Austin" {
		t.Fatalf("created = %+v", created)
	}

	var got CompetitionResponse
	if code := env.do(t, "GET", "/api/v1/competitions/"+created.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("GET competition = %d", code)
	}
	if got.ID != created.ID {
		t.Errorf("GET competition id = %q, want %q", got.ID, created.ID)
	}

	var list ListCompetitionsResponse
	env.do(t, "GET", "/api/v1/competitions", nil, &list)
	if len(list.Competitions) != 1 {
		t.Errorf("len(competitions) = %d, want 1", len(list.Competitions))
	}

	if code := env.do(t, "GET", "/api/v1/competitions/missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("GET missing competition = %d, want 404", code)
	}
}

func TestListQuestions(t *testing.T) {
	env := newTestEnv(t)
	c := testutil.CreateCompetition(t, env.store)
	ctx := context.Background()

	content := "What is $1+1$?"
	answer := "2"
	if _, _, err := env.store.UpsertQuestion(ctx, store.QuestionKey{CompetitionID: c.ID, Test: "algebra1", QuestionNumber: 1},
		store.QuestionPatch{QuestionContent: &content, AnswerContent: &answer}); err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}
	if _, _, err := env.store.UpsertQuestion(ctx, store.QuestionKey{CompetitionID: c.ID, Test: "geometry", QuestionNumber: 1},
		store.QuestionPatch{QuestionContent: &content}); err != nil {
		t.Fatalf("UpsertQuestion() error = %v", err)
	}

	var all QuestionsResponse
	env.do(t, "GET", "/api/v1/competitions/"+c.ID+"/questions", nil, &all)
	if all.Total != 2 || all.Answered != 1 {
		t.Errorf("questions total=%d answered=%d, want 2 and 1", all.Total, all.Answered)
	}

	var geo QuestionsResponse
	env.do(t, "GET", "/api/v1/competitions/"+c.ID+"/questions?test=geometry", nil, &geo)
	if geo.Total != 1 {
		t.Errorf("geometry total = %d, want 1", geo.Total)
	}

	if code := env.do(t, "GET", "/api/v1/competitions/"+c.ID+"/questions?test=chess", nil, nil); code != http.StatusBadRequest {
		t.Errorf("unknown test code = %d, want 400", code)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/competitions/" + c.ID + "/questions.xlsx")
	if err != nil {
		t.Fatalf("GET xlsx error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET xlsx = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("xlsx Content-Type = %q", ct)
	}
}

func TestUploads(t *testing.T) {
	env := newTestEnv(t)
	c := testutil.CreateCompetition(t, env.store)
	u := testutil.CreateProcessingUpload(t, env.store, c.ID, "p1", "p2", "p3")

	var got UploadResponse
	if code := env.do(t, "GET", "/api/v1/uploads/"+u.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("GET upload = %d", code)
	}
	if got.PageCount != 3 || got.Remaining != 3 {
		t.Errorf("upload page_count=%d remaining=%d, want 3 and 3", got.PageCount, got.Remaining)
	}

	var list ListUploadsResponse
	env.do(t, "GET", "/api/v1/uploads?state=processing", nil, &list)
	if len(list.Uploads) != 1 {
		t.Errorf("len(processing uploads) = %d, want 1", len(list.Uploads))
	}
	env.do(t, "GET", "/api/v1/uploads?state=processed", nil, &list)
	if len(list.Uploads) != 0 {
		t.Errorf("len(processed uploads) = %d, want 0", len(list.Uploads))
	}
	if code := env.do(t, "GET", "/api/v1/uploads?state=bogus", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bogus state = %d, want 400", code)
	}
}

func TestCreateUpload_Validation(t *testing.T) {
	env := newTestEnv(t)

	post := func(fields map[string]string, filename string) int {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range fields {
			mw.WriteField(k, v)
		}
		if filename != "" {
			fw, _ := mw.CreateFormFile("files", filename)
			fw.Write([]byte("data"))
		}
		mw.Close()
		resp, err := http.Post(env.server.URL+"/api/v1/uploads", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("POST /api/v1/uploads error = %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(nil, "packet.pdf"); code != http.StatusBadRequest {
		t.Errorf("missing competition_id = %d, want 400", code)
	}
	if code := post(map[string]string{"competition_id": "c1"}, ""); code != http.StatusBadRequest {
		t.Errorf("no files = %d, want 400", code)
	}
	if code := post(map[string]string{"competition_id": "c1"}, "packet.txt"); code != http.StatusBadRequest {
		t.Errorf("non-pdf = %d, want 400", code)
	}
}

func TestPageImageAndPreview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, err := env.blobs.Upload(ctx, "page-1.png", pngPage(t, 800, 1000), "image/png")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/pages/" + id)
	if err != nil {
		t.Fatalf("GET page error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("GET page = %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(resp.Header.Get("Cache-Control"), "immutable") {
		t.Errorf("Cache-Control = %q, want immutable", resp.Header.Get("Cache-Control"))
	}

	resp, err = http.Get(env.server.URL + "/api/v1/pages/" + id + "/preview?width=200")
	if err != nil {
		t.Fatalf("GET preview error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET preview = %d", resp.StatusCode)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if w := img.Bounds().Dx(); w != 200 {
		t.Errorf("preview width = %d, want 200", w)
	}

	if code := env.do(t, "GET", "/api/v1/pages/missing", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing page = %d, want 404", code)
	}
	if code := env.do(t, "GET", "/api/v1/pages/"+id+"/preview?width=0", nil, nil); code != http.StatusBadRequest {
		t.Errorf("zero width = %d, want 400", code)
	}
}

func TestExtractPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := testutil.CreateCompetition(t, env.store)
	id, err := env.blobs.Upload(ctx, "page-1.png", pngPage(t, 10, 10), "image/png")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	test := "algebra1"
	env.extractor.outcome = extract.Outcome{Kind: extract.OK, Result: &extract.Result{
		PageType:  extract.PageQuestions,
		Test:      &test,
		Questions: []extract.QuestionEntry{{Number: 1, Content: "Solve $x$."}, {Number: 2, Content: "Draw.", IncludesDiagram: true}},
	}}

	var res pipeline.ManualResult
	code := env.do(t, "POST", "/api/v1/pages/"+id+"/extract", ExtractRequest{CompetitionID: c.ID}, &res)
	if code != http.StatusOK {
		t.Fatalf("POST extract = %d", code)
	}
	if res.Outcome != "ok" || res.Summary.Created != 2 {
		t.Errorf("result = %+v, want ok with 2 created", res)
	}
	qs, _ := env.store.ListQuestions(ctx, c.ID, "algebra1")
	if len(qs) != 2 || qs[0].QuestionPageID == nil || *qs[0].QuestionPageID != id {
		t.Errorf("questions not stamped with page %s: %+v", id, qs)
	}
	if len(env.extractor.calls) != 1 || !env.extractor.calls[0].Manual {
		t.Errorf("extractor calls = %+v, want one manual call", env.extractor.calls)
	}

	env.extractor.outcome = extract.Outcome{Kind: extract.SchemaInvalid, Err: errors.New("bad json")}
	res = pipeline.ManualResult{}
	env.do(t, "POST", "/api/v1/pages/"+id+"/extract", ExtractRequest{CompetitionID: c.ID}, &res)
	if res.Outcome != "schema_invalid" || res.Result != nil {
		t.Errorf("failed result = %+v, want schema_invalid with nil result", res)
	}

	if code := env.do(t, "POST", "/api/v1/pages/"+id+"/extract", ExtractRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("missing competition = %d, want 400", code)
	}
	if code := env.do(t, "POST", "/api/v1/pages/missing/extract", ExtractRequest{CompetitionID: c.ID}, nil); code != http.StatusNotFound {
		t.Errorf("missing page = %d, want 404", code)
	}
}

func TestExtractPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := testutil.CreateCompetition(t, env.store)
	first, _ := env.blobs.Upload(ctx, "a.png", pngPage(t, 10, 10), "image/png")
	second, _ := env.blobs.Upload(ctx, "b.png", pngPage(t, 10, 10), "image/png")

	test := "js8"
	env.extractor.outcome = extract.Outcome{Kind: extract.OK, Result: &extract.Result{
		PageType: extract.PageAnswers,
		Test:     &test,
		Answers:  []extract.AnswerEntry{{Number: 1, Content: "42"}},
	}}

	var res pipeline.ManualResult
	req := ExtractRequest{CompetitionID: c.ID, PageIDs: []string{first, second}, AllowLargePrint: true}
	if code := env.do(t, "POST", "/api/v1/pages/extract", req, &res); code != http.StatusOK {
		t.Fatalf("POST pages/extract = %d", code)
	}
	q, err := env.store.FindQuestion(ctx, store.QuestionKey{CompetitionID: c.ID, Test: "js8", QuestionNumber: 1})
	if err != nil {
		t.Fatalf("FindQuestion() error = %v", err)
	}
	if q.AnswerPageID == nil || *q.AnswerPageID != first {
		t.Errorf("answer page = %v, want first page %s", q.AnswerPageID, first)
	}
	if opts := env.extractor.calls[0]; !opts.AllowLargePrint || len(opts.PageIDs) != 2 {
		t.Errorf("extract options = %+v", opts)
	}

	if code := env.do(t, "POST", "/api/v1/pages/extract", ExtractRequest{CompetitionID: c.ID}, nil); code != http.StatusBadRequest {
		t.Errorf("no page ids = %d, want 400", code)
	}
}

func TestPipelineAndUsage(t *testing.T) {
	env := newTestEnv(t)

	var st pipeline.Status
	if code := env.do(t, "GET", "/api/v1/pipeline", nil, &st); code != http.StatusOK {
		t.Fatalf("GET pipeline = %d", code)
	}
	if st.Idle {
		t.Error("controller should start awake")
	}

	// An empty queue idles the controller; wake clears it.
	if _, err := env.ctrl.Step(context.Background()); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !env.ctrl.Idle() {
		t.Fatal("controller should idle on an empty queue")
	}
	env.do(t, "POST", "/api/v1/pipeline/wake", nil, &st)
	if st.Idle {
		t.Error("wake did not clear the idle flag")
	}

	var u UsageResponse
	if code := env.do(t, "GET", "/api/v1/usage", nil, &u); code != http.StatusOK {
		t.Fatalf("GET usage = %d", code)
	}
	if len(u.Models) == 0 {
		t.Error("usage should list the configured models")
	}
}

func TestListAICalls(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, outcome := range []string{"ok", "schema_invalid", "ok"} {
		if err := env.store.RecordAICall(ctx, &store.AICall{UploadID: "u1", PageIDs: []string{"p1"}, Outcome: outcome}); err != nil {
			t.Fatalf("RecordAICall() error = %v", err)
		}
	}

	var resp AICallsResponse
	env.do(t, "GET", "/api/v1/aicalls", nil, &resp)
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
	env.do(t, "GET", "/api/v1/aicalls?outcome=ok&limit=1", nil, &resp)
	if resp.Total != 1 || resp.Calls[0].Outcome != "ok" {
		t.Errorf("filtered = %+v", resp)
	}
	if code := env.do(t, "GET", "/api/v1/aicalls?outcome=maybe", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad outcome = %d, want 400", code)
	}
	if code := env.do(t, "GET", "/api/v1/aicalls?limit=-1", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestAll_BuildsCommands(t *testing.T) {
	reg := api.NewRegistry()
	for _, ep := range All(Config{}) {
		reg.Register(ep)
	}
	root := reg.BuildCommands(func() string { return "http://localhost:0" })
	for _, path := range [][]string{
		{"health"},
		{"competitions", "create"},
		{"pages", "extract"},
		{"pipeline", "wake"},
		{"aicalls", "list"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("command %v not found", path)
		}
	}
}
