// Package pipeline walks processing uploads one page at a time, extracting
// each page with the vision model and merging the result into the question
// bank. A Scheduler drives the Controller on two tickers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/reconcile"
	"github.com/jackzampolin/mathbank/internal/store"
)

// Action says what a Step did.
type Action string

const (
	ActionIdle         Action = "idle"          // skipped: controller idle
	ActionBusy         Action = "busy"          // skipped: another automatic extraction running
	ActionBackoff      Action = "backoff"       // skipped: upload waiting out a transport backoff
	ActionNoWork       Action = "no_work"       // no processing upload, went idle
	ActionCompleted    Action = "completed"     // cursor already at the end, marked processed
	ActionRateLimited  Action = "rate_limited"  // daily budget exhausted, went idle
	ActionFailed       Action = "failed"        // extraction failed, cursor unchanged
	ActionDeadLettered Action = "dead_lettered" // page skipped after repeated invalid output
	ActionAdvanced     Action = "advanced"      // page reconciled, cursor moved
)

// StepResult describes one Step for logs, status and tests.
type StepResult struct {
	Action   Action            `json:"action"`
	UploadID string            `json:"upload_id,omitempty"`
	Page     int               `json:"page"`
	PageID   string            `json:"page_id,omitempty"`
	Outcome  string            `json:"outcome,omitempty"`
	Summary  reconcile.Summary `json:"summary"`
	Error    string            `json:"error,omitempty"`
	At       time.Time         `json:"at"`
}

// PageExtractor is the extraction surface the controller needs.
// *extract.Extractor implements it.
type PageExtractor interface {
	Model() string
	Extract(ctx context.Context, images [][]byte, opts extract.Options) extract.Outcome
}

// UsageGate is the daily budget surface. *usage.Limiter implements it.
type UsageGate interface {
	TryConsume(ctx context.Context, model string) (bool, error)
	Prime(ctx context.Context, model string) error
	ForceIncrement(ctx context.Context, model string)
}

// Config configures a Controller.
type Config struct {
	Store      store.Store
	Blobs      blob.Store
	Extractor  PageExtractor
	Usage      UsageGate
	Reconciler *reconcile.Reconciler

	// MaxSchemaFailures dead-letters a page after this many consecutive
	// invalid responses. 0 disables dead-lettering.
	MaxSchemaFailures int

	// Transport failures hold the upload back for BackoffBase, doubling per
	// consecutive failure up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// failure tracks consecutive failures on the page at an upload's cursor.
type failure struct {
	page              int
	schemaFailures    int
	transportFailures int
	retryAt           time.Time
}

// Controller owns the walker state: the idle flag, the automatic-extraction
// lock and the per-upload failure tracker.
type Controller struct {
	store      store.Store
	blobs      blob.Store
	extractor  PageExtractor
	usage      UsageGate
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
	now        func() time.Time

	maxSchemaFailures int
	backoffBase       time.Duration
	backoffMax        time.Duration

	idle atomic.Bool
	busy atomic.Bool

	mu       sync.Mutex
	failures map[string]*failure
	last     *StepResult
}

// NewController creates a Controller. It starts awake.
func NewController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = reconcile.New(cfg.Store, cfg.Logger)
	}
	return &Controller{
		store:             cfg.Store,
		blobs:             cfg.Blobs,
		extractor:         cfg.Extractor,
		usage:             cfg.Usage,
		reconciler:        cfg.Reconciler,
		logger:            cfg.Logger,
		now:               cfg.Now,
		maxSchemaFailures: cfg.MaxSchemaFailures,
		backoffBase:       cfg.BackoffBase,
		backoffMax:        cfg.BackoffMax,
		failures:          make(map[string]*failure),
	}
}

// Idle reports whether automatic processing is paused until a wake.
func (c *Controller) Idle() bool {
	return c.idle.Load()
}

// Wake clears the idle flag so the next fast tick looks for work.
func (c *Controller) Wake() {
	if c.idle.Swap(false) {
		c.logger.Info("pipeline woken")
	}
}

// Recheck clears the idle flag when a processing upload exists.
func (c *Controller) Recheck(ctx context.Context) error {
	if !c.idle.Load() {
		return nil
	}
	has, err := c.store.HasProcessingUpload(ctx)
	if err != nil {
		return fmt.Errorf("failed to check for processing uploads: %w", err)
	}
	if has {
		c.idle.Store(false)
		c.logger.Info("processing upload found, pipeline active")
	}
	return nil
}

// Step processes at most one page of the oldest processing upload.
func (c *Controller) Step(ctx context.Context) (StepResult, error) {
	res, err := c.step(ctx)
	res.At = c.now()
	if err != nil {
		res.Error = err.Error()
	}
	if res.Action != ActionIdle && res.Action != ActionBusy {
		c.mu.Lock()
		last := res
		c.last = &last
		c.mu.Unlock()
	}
	return res, err
}

func (c *Controller) step(ctx context.Context) (StepResult, error) {
	if c.idle.Load() {
		return StepResult{Action: ActionIdle}, nil
	}

	u, err := c.store.OldestProcessingUpload(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c.idle.Store(true)
		c.logger.Debug("no processing uploads, going idle")
		return StepResult{Action: ActionNoWork}, nil
	}
	if err != nil {
		return StepResult{Action: ActionFailed}, fmt.Errorf("failed to find processing upload: %w", err)
	}

	res := StepResult{UploadID: u.ID, Page: u.NextPage}
	logger := c.logger.With("upload_id", u.ID, "page", u.NextPage)

	if u.Done() {
		if err := c.store.MarkUploadProcessed(ctx, u.ID); err != nil {
			res.Action = ActionFailed
			return res, fmt.Errorf("failed to mark upload processed: %w", err)
		}
		c.clearFailure(u.ID)
		logger.Info("all pages processed", "pages", len(u.Pages))
		res.Action = ActionCompleted
		return res, nil
	}

	if retryAt, ok := c.backoffUntil(u.ID, u.NextPage); ok {
		logger.Debug("upload in backoff", "retry_at", retryAt)
		res.Action = ActionBackoff
		return res, nil
	}

	if !c.busy.CompareAndSwap(false, true) {
		res.Action = ActionBusy
		return res, nil
	}
	defer c.busy.Store(false)

	model := c.extractor.Model()
	allowed, err := c.usage.TryConsume(ctx, model)
	if err != nil {
		c.idle.Store(true)
		res.Action = ActionFailed
		return res, fmt.Errorf("usage check failed: %w", err)
	}
	if !allowed {
		c.idle.Store(true)
		logger.Info("automatic generation limit reached for today, will retry later", "model", model)
		res.Action = ActionRateLimited
		return res, nil
	}

	pageID := u.Pages[u.NextPage]
	res.PageID = pageID
	logger = logger.With("page_id", pageID)

	data, err := c.blobs.Fetch(ctx, pageID)
	if err != nil {
		c.idle.Store(true)
		res.Action = ActionFailed
		if errors.Is(err, blob.ErrNotFound) {
			// A missing page image will never succeed; count it like invalid output.
			logger.Warn("page image missing", "error", err)
			return c.schemaFailure(ctx, u, res, err)
		}
		c.transportFailure(u.ID, u.NextPage, logger)
		return res, fmt.Errorf("failed to fetch page %s: %w", pageID, err)
	}

	out := c.extractor.Extract(ctx, [][]byte{data}, extract.Options{
		CompetitionID: u.CompetitionID,
		UploadID:      u.ID,
		PageIDs:       []string{pageID},
	})
	res.Outcome = out.Kind.String()

	switch out.Kind {
	case extract.OK:
	case extract.SchemaInvalid:
		c.idle.Store(true)
		res.Action = ActionFailed
		logger.Warn("extraction rejected, will retry this page later", "error", out.Err)
		return c.schemaFailure(ctx, u, res, out.Err)
	case extract.RateLimited:
		c.idle.Store(true)
		res.Action = ActionFailed
		logger.Warn("provider rate limited, will retry later", "error", out.Err)
		return res, nil
	default:
		c.idle.Store(true)
		res.Action = ActionFailed
		c.transportFailure(u.ID, u.NextPage, logger)
		logger.Warn("extraction failed, will retry this page later", "error", out.Err)
		return res, nil
	}

	summary, err := c.reconciler.Apply(ctx, u.CompetitionID, pageID, out.Result)
	res.Summary = summary
	if err != nil {
		c.idle.Store(true)
		res.Action = ActionFailed
		return res, fmt.Errorf("failed to reconcile page %s: %w", pageID, err)
	}

	next, err := c.store.AdvanceUpload(ctx, u.ID, u.NextPage)
	if errors.Is(err, store.ErrConflict) {
		logger.Warn("cursor moved during extraction, not advancing")
		res.Action = ActionAdvanced
		return res, nil
	}
	if err != nil {
		res.Action = ActionFailed
		return res, fmt.Errorf("failed to advance upload: %w", err)
	}

	c.clearFailure(u.ID)
	c.idle.Store(false)
	res.Action = ActionAdvanced
	logger.Info("page processed",
		"page_type", out.Result.PageType,
		"test", out.Result.TestCode(),
		"created", summary.Created,
		"updated", summary.Updated,
		"progress", fmt.Sprintf("%d/%d", next.NextPage, len(next.Pages)))
	return res, nil
}

// schemaFailure counts a deterministic failure on the page at the cursor and
// dead-letters the page once the threshold is reached.
func (c *Controller) schemaFailure(ctx context.Context, u *store.Upload, res StepResult, cause error) (StepResult, error) {
	c.mu.Lock()
	f := c.failureLocked(u.ID, u.NextPage)
	f.schemaFailures++
	count := f.schemaFailures
	c.mu.Unlock()

	if c.maxSchemaFailures <= 0 || count < c.maxSchemaFailures {
		return res, nil
	}

	pageID := u.Pages[u.NextPage]
	if _, err := c.store.SkipPage(ctx, u.ID, u.NextPage, pageID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return res, nil
		}
		return res, fmt.Errorf("failed to dead-letter page %s: %w", pageID, err)
	}
	c.clearFailure(u.ID)
	c.idle.Store(false)
	c.logger.Error("page dead-lettered after repeated failures",
		"upload_id", u.ID,
		"page", u.NextPage,
		"page_id", pageID,
		"failures", count,
		"last_error", cause)
	res.Action = ActionDeadLettered
	return res, nil
}

func (c *Controller) transportFailure(uploadID string, page int, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.failureLocked(uploadID, page)
	f.transportFailures++
	delay := c.backoffBase
	for i := 1; i < f.transportFailures && delay < c.backoffMax; i++ {
		delay *= 2
	}
	if delay > c.backoffMax {
		delay = c.backoffMax
	}
	f.retryAt = c.now().Add(delay)
	logger.Info("backing off upload", "failures", f.transportFailures, "retry_at", f.retryAt)
}

// failureLocked returns the tracker for uploadID, resetting it when the
// cursor has moved. c.mu must be held.
func (c *Controller) failureLocked(uploadID string, page int) *failure {
	f, ok := c.failures[uploadID]
	if !ok || f.page != page {
		f = &failure{page: page}
		c.failures[uploadID] = f
	}
	return f
}

func (c *Controller) backoffUntil(uploadID string, page int) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[uploadID]
	if !ok || f.page != page || f.retryAt.IsZero() {
		return time.Time{}, false
	}
	if !c.now().Before(f.retryAt) {
		return time.Time{}, false
	}
	return f.retryAt, true
}

func (c *Controller) clearFailure(uploadID string) {
	c.mu.Lock()
	delete(c.failures, uploadID)
	c.mu.Unlock()
}

// FailureStatus is the failure tracker entry of one upload.
type FailureStatus struct {
	UploadID          string     `json:"upload_id"`
	Page              int        `json:"page"`
	SchemaFailures    int        `json:"schema_failures"`
	TransportFailures int        `json:"transport_failures"`
	RetryAt           *time.Time `json:"retry_at,omitempty"`
}

// Status is a snapshot of the controller.
type Status struct {
	Idle     bool            `json:"idle"`
	Busy     bool            `json:"busy"`
	LastStep *StepResult     `json:"last_step,omitempty"`
	Failures []FailureStatus `json:"failures"`
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Idle:     c.idle.Load(),
		Busy:     c.busy.Load(),
		Failures: make([]FailureStatus, 0, len(c.failures)),
	}
	if c.last != nil {
		last := *c.last
		st.LastStep = &last
	}
	for id, f := range c.failures {
		fs := FailureStatus{
			UploadID:          id,
			Page:              f.page,
			SchemaFailures:    f.schemaFailures,
			TransportFailures: f.transportFailures,
		}
		if !f.retryAt.IsZero() {
			retryAt := f.retryAt
			fs.RetryAt = &retryAt
		}
		st.Failures = append(st.Failures, fs)
	}
	sort.Slice(st.Failures, func(i, j int) bool { return st.Failures[i].UploadID < st.Failures[j].UploadID })
	return st
}
