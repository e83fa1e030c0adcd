package llmcall

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackzampolin/mathbank/internal/store"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	Store     store.Store
	QueueSize int // default 256
	Logger    *slog.Logger
}

// Recorder writes call records to the row store off the request path.
// Before Start (or after Stop) records are written inline.
type Recorder struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	queue   chan *store.AICall
	running bool
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder. A nil store disables recording.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		store:  cfg.Store,
		logger: cfg.Logger,
		queue:  make(chan *store.AICall, cfg.QueueSize),
	}
}

// Start begins draining the queue in the background.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.drain(r.queue)
}

// Stop flushes queued records and returns to inline writes.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.queue)
	r.queue = make(chan *store.AICall, cap(r.queue))
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Debug("ai call recorder stopped")
}

// Record captures a call. It does not block on a full queue; the record is
// dropped with a warning instead.
func (r *Recorder) Record(call *store.AICall) {
	if r == nil || r.store == nil || call == nil {
		return
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		r.write(call)
		return
	}
	select {
	case r.queue <- call:
	default:
		r.logger.Warn("ai call queue full, dropping record",
			"outcome", call.Outcome,
			"upload_id", call.UploadID)
	}
	r.mu.Unlock()
}

func (r *Recorder) drain(queue <-chan *store.AICall) {
	defer r.wg.Done()
	for call := range queue {
		r.write(call)
	}
}

func (r *Recorder) write(call *store.AICall) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.RecordAICall(ctx, call); err != nil {
		r.logger.Warn("failed to record ai call",
			"error", err,
			"outcome", call.Outcome,
			"page_ids", call.PageIDs)
	}
}
