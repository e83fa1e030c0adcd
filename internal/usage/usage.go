// Package usage gates automatic AI calls with per-model daily counters kept in
// the row store.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/mathbank/internal/store"
)

// DefaultLimits are the automatic-call budgets per model per UTC day. They
// leave headroom under the provider quota for manual extractions.
var DefaultLimits = map[string]int{
	"gemini-2.5-flash": 110,
	"gemini-2.5-pro":   20,
}

// Config configures a Limiter.
type Config struct {
	Store  store.Store
	Limits map[string]int
	Logger *slog.Logger
	Now    func() time.Time
}

type cacheEntry struct {
	date  string
	rowID string
}

// Limiter tracks today's counter row per model. The cache is rebuilt lazily
// after a restart or a date change.
type Limiter struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	limits map[string]int
	cache  map[string]cacheEntry
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	l := &Limiter{
		store:  cfg.Store,
		logger: cfg.Logger,
		now:    cfg.Now,
		cache:  make(map[string]cacheEntry),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	l.SetLimits(limits)
	return l
}

// SetLimits replaces the daily limits. Used on config reload.
func (l *Limiter) SetLimits(limits map[string]int) {
	copied := make(map[string]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	l.mu.Lock()
	l.limits = copied
	l.mu.Unlock()
}

// Limit returns the daily limit for model; unknown models have limit 0.
func (l *Limiter) Limit(model string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[model]
}

// TryConsume counts one automatic call against today's budget for model and
// reports whether it is allowed. A refused call leaves the count unchanged.
func (l *Limiter) TryConsume(ctx context.Context, model string) (bool, error) {
	limit := l.Limit(model)
	if limit <= 0 {
		l.logger.Debug("no automatic budget for model", "model", model)
		return false, nil
	}

	rowID, err := l.todayRow(ctx, model)
	if err != nil {
		return false, err
	}

	_, err = l.store.IncrementUsage(ctx, rowID, 1, limit)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrLimitReached):
		l.logger.Info("automatic generation limit reached for today", "model", model, "limit", limit)
		return false, nil
	case errors.Is(err, store.ErrNotFound):
		l.forget(model)
		return false, fmt.Errorf("usage row for %s vanished: %w", model, err)
	default:
		return false, fmt.Errorf("failed to consume usage for %s: %w", model, err)
	}
}

// Prime resolves today's counter row for model without consuming.
func (l *Limiter) Prime(ctx context.Context, model string) error {
	_, err := l.todayRow(ctx, model)
	return err
}

// ForceIncrement tallies a manual call against the cached row, without a
// bound. With no cached row it logs and returns.
func (l *Limiter) ForceIncrement(ctx context.Context, model string) {
	l.mu.Lock()
	entry, ok := l.cache[model]
	l.mu.Unlock()
	if !ok {
		l.logger.Error("no cached usage row, manual call not counted", "model", model)
		return
	}
	if _, err := l.store.IncrementUsage(ctx, entry.rowID, 1, 0); err != nil {
		l.logger.Error("failed to count manual call", "model", model, "error", err)
	}
}

// ModelUsage is today's usage of one model.
type ModelUsage struct {
	Model     string `json:"model"`
	Date      string `json:"date"`
	Uses      int    `json:"uses"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// Status returns today's usage for every model with a configured limit.
func (l *Limiter) Status(ctx context.Context) ([]ModelUsage, error) {
	l.mu.Lock()
	models := make([]string, 0, len(l.limits))
	for m := range l.limits {
		models = append(models, m)
	}
	limits := make(map[string]int, len(l.limits))
	for k, v := range l.limits {
		limits[k] = v
	}
	l.mu.Unlock()
	sort.Strings(models)

	today := store.Today(l.now())
	out := make([]ModelUsage, 0, len(models))
	for _, m := range models {
		uses := 0
		row, err := l.store.FindUsage(ctx, m, today)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if row != nil {
			uses = row.Uses
		}
		remaining := limits[m] - uses
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, ModelUsage{Model: m, Date: today, Uses: uses, Limit: limits[m], Remaining: remaining})
	}
	return out, nil
}

// todayRow returns the cached row id for model, finding or creating today's
// row when the cache is empty or from an earlier date.
func (l *Limiter) todayRow(ctx context.Context, model string) (string, error) {
	today := store.Today(l.now())

	l.mu.Lock()
	entry, ok := l.cache[model]
	if ok && entry.date == today {
		l.mu.Unlock()
		return entry.rowID, nil
	}
	delete(l.cache, model)
	l.mu.Unlock()

	row, err := l.store.FindUsage(ctx, model, today)
	if errors.Is(err, store.ErrNotFound) {
		row, err = l.store.CreateUsage(ctx, model, today)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve usage row for %s: %w", model, err)
	}

	l.mu.Lock()
	l.cache[model] = cacheEntry{date: today, rowID: row.ID}
	l.mu.Unlock()
	return row.ID, nil
}

func (l *Limiter) forget(model string) {
	l.mu.Lock()
	delete(l.cache, model)
	l.mu.Unlock()
}
