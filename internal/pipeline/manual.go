package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackzampolin/mathbank/internal/extract"
	"github.com/jackzampolin/mathbank/internal/reconcile"
)

// ErrNoPages is returned by RunExtraction when no page ids are given.
var ErrNoPages = errors.New("no page ids")

// ManualResult is the outcome of an operator-triggered extraction.
// Result is nil unless Outcome is "ok".
type ManualResult struct {
	Outcome string            `json:"outcome"`
	Result  *extract.Result   `json:"result"`
	Summary reconcile.Summary `json:"summary"`
	Error   string            `json:"error,omitempty"`
}

// RunExtraction extracts the given pages as one logical page and reconciles
// the result, bypassing the idle flag, the extraction lock and the daily
// budget. The call is still counted against the budget. Rows are stamped
// with the first page id.
func (c *Controller) RunExtraction(ctx context.Context, competitionID string, pageIDs []string, allowLargePrint bool) (*ManualResult, error) {
	if len(pageIDs) == 0 {
		return nil, ErrNoPages
	}
	if _, err := c.store.GetCompetition(ctx, competitionID); err != nil {
		return nil, fmt.Errorf("competition %q: %w", competitionID, err)
	}

	images := make([][]byte, len(pageIDs))
	for i, id := range pageIDs {
		data, err := c.blobs.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("page %q: %w", id, err)
		}
		images[i] = data
	}

	model := c.extractor.Model()
	if err := c.usage.Prime(ctx, model); err != nil {
		c.logger.Warn("failed to resolve usage row for manual extraction", "model", model, "error", err)
	}
	c.usage.ForceIncrement(ctx, model)

	out := c.extractor.Extract(ctx, images, extract.Options{
		AllowLargePrint: allowLargePrint,
		CompetitionID:   competitionID,
		PageIDs:         pageIDs,
		Manual:          true,
	})
	mr := &ManualResult{Outcome: out.Kind.String()}
	if out.Kind != extract.OK {
		mr.Error = out.Err.Error()
		c.logger.Warn("manual extraction failed",
			"competition_id", competitionID,
			"page_ids", pageIDs,
			"outcome", mr.Outcome,
			"error", out.Err)
		return mr, nil
	}

	summary, err := c.reconciler.Apply(ctx, competitionID, pageIDs[0], out.Result)
	if err != nil {
		return nil, err
	}
	mr.Result = out.Result
	mr.Summary = summary
	c.logger.Info("manual extraction applied",
		"competition_id", competitionID,
		"page_ids", pageIDs,
		"page_type", out.Result.PageType,
		"created", summary.Created,
		"updated", summary.Updated)
	return mr, nil
}
