package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/llmcall"
	"github.com/jackzampolin/mathbank/internal/pipeline"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/svcctx"
	"github.com/jackzampolin/mathbank/internal/usage"
)

// PipelineStatusEndpoint handles GET /api/v1/pipeline.
type PipelineStatusEndpoint struct{}

var _ api.Endpoint = (*PipelineStatusEndpoint)(nil)

func (e *PipelineStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/pipeline", e.handler
}

func (e *PipelineStatusEndpoint) RequiresInit() bool { return true }
func (e *PipelineStatusEndpoint) Group() string      { return "pipeline" }

// handler godoc
//
//	@Summary		Get pipeline status
//	@Description	Idle and busy flags, the last step and any pages being retried
//	@Tags			pipeline
//	@Produce		json
//	@Success		200	{object}	pipeline.Status
//	@Router			/api/v1/pipeline [get]
func (e *PipelineStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svcctx.ControllerFrom(r.Context()).Status())
}

func (e *PipelineStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp pipeline.Status
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/v1/pipeline", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PipelineWakeEndpoint handles POST /api/v1/pipeline/wake.
type PipelineWakeEndpoint struct{}

var _ api.Endpoint = (*PipelineWakeEndpoint)(nil)

func (e *PipelineWakeEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/pipeline/wake", e.handler
}

func (e *PipelineWakeEndpoint) RequiresInit() bool { return true }
func (e *PipelineWakeEndpoint) Group() string      { return "pipeline" }

// handler godoc
//
//	@Summary		Wake the pipeline
//	@Description	Clears the idle flag so the next fast tick takes a step
//	@Tags			pipeline
//	@Produce		json
//	@Success		200	{object}	pipeline.Status
//	@Router			/api/v1/pipeline/wake [post]
func (e *PipelineWakeEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctrl := svcctx.ControllerFrom(r.Context())
	ctrl.Wake()
	svcctx.LoggerFrom(r.Context()).Info("pipeline woken by operator")
	writeJSON(w, http.StatusOK, ctrl.Status())
}

func (e *PipelineWakeEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "wake",
		Short: "Wake the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp pipeline.Status
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), "/api/v1/pipeline/wake", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// UsageResponse lists today's per-model usage.
type UsageResponse struct {
	Models []usage.ModelUsage `json:"models"`
}

// UsageEndpoint handles GET /api/v1/usage.
type UsageEndpoint struct{}

var _ api.Endpoint = (*UsageEndpoint)(nil)

func (e *UsageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/usage", e.handler
}

func (e *UsageEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Get today's model usage
//	@Tags		usage
//	@Produce	json
//	@Success	200	{object}	UsageResponse
//	@Failure	500	{object}	ErrorResponse
//	@Router		/api/v1/usage [get]
func (e *UsageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	models, err := svcctx.UsageFrom(r.Context()).Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if models == nil {
		models = []usage.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, UsageResponse{Models: models})
}

func (e *UsageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show today's model usage against the daily limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp UsageResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/v1/usage", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// AICallsResponse contains recorded model calls.
type AICallsResponse struct {
	Calls []*store.AICall `json:"calls"`
	Total int             `json:"total"`
}

const defaultAICallLimit = 100

// ListAICallsEndpoint handles GET /api/v1/aicalls.
type ListAICallsEndpoint struct{}

var _ api.Endpoint = (*ListAICallsEndpoint)(nil)

func (e *ListAICallsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/aicalls", e.handler
}

func (e *ListAICallsEndpoint) RequiresInit() bool { return true }
func (e *ListAICallsEndpoint) Group() string      { return "aicalls" }

// handler godoc
//
//	@Summary		List AI calls
//	@Description	Recorded model invocations, newest first
//	@Tags			aicalls
//	@Produce		json
//	@Param			upload_id	query		string	false	"Filter by upload ID"
//	@Param			page_id		query		string	false	"Filter by page ID"
//	@Param			outcome		query		string	false	"Filter by outcome"	Enums(ok, rate_limited, transport_error, schema_invalid)
//	@Param			limit		query		int		false	"Max results (default 100)"
//	@Success		200			{object}	AICallsResponse
//	@Failure		400			{object}	ErrorResponse
//	@Failure		500			{object}	ErrorResponse
//	@Router			/api/v1/aicalls [get]
func (e *ListAICallsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AICallFilter{
		UploadID: q.Get("upload_id"),
		PageID:   q.Get("page_id"),
		Outcome:  q.Get("outcome"),
		Limit:    defaultAICallLimit,
	}
	switch filter.Outcome {
	case "", llmcall.OutcomeOK, llmcall.OutcomeRateLimited, llmcall.OutcomeTransportError, llmcall.OutcomeSchemaInvalid:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid outcome: %q", filter.Outcome))
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q must be a positive integer", v))
			return
		}
		filter.Limit = limit
	}

	calls, err := svcctx.StoreFrom(r.Context()).ListAICalls(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if calls == nil {
		calls = []*store.AICall{}
	}
	writeJSON(w, http.StatusOK, AICallsResponse{Calls: calls, Total: len(calls)})
}

func (e *ListAICallsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var uploadID, pageID, outcome string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded AI calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if uploadID != "" {
				params.Set("upload_id", uploadID)
			}
			if pageID != "" {
				params.Set("page_id", pageID)
			}
			if outcome != "" {
				params.Set("outcome", outcome)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/aicalls"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			var resp AICallsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&uploadID, "upload", "", "Filter by upload ID")
	cmd.Flags().StringVar(&pageID, "page", "", "Filter by page ID")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (ok, rate_limited, transport_error, schema_invalid)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max results")
	return cmd
}
