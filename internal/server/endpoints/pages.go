package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/blob"
	"github.com/jackzampolin/mathbank/internal/pipeline"
	"github.com/jackzampolin/mathbank/internal/svcctx"
)

// Page images never change once stored.
const immutableCache = "public, max-age=31536000, immutable"

// PageImageEndpoint handles GET /api/v1/pages/{id}.
type PageImageEndpoint struct{}

var _ api.Endpoint = (*PageImageEndpoint)(nil)

func (e *PageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/pages/{id}", e.handler
}

func (e *PageImageEndpoint) RequiresInit() bool { return true }
func (e *PageImageEndpoint) Group() string      { return "pages" }

// handler godoc
//
//	@Summary	Get a page image
//	@Tags		pages
//	@Produce	image/png
//	@Param		id	path		string	true	"Page ID"
//	@Success	200	{file}		binary
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/pages/{id} [get]
func (e *PageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	blobs := svcctx.BlobsFrom(r.Context())
	data, err := blobs.Fetch(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	contentType := "image/png"
	if md, err := blobs.Metadata(r.Context(), id); err == nil && md.MimeType != "" {
		contentType = md.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", immutableCache)
	w.Header().Set("ETag", strconv.Quote(id))
	w.Write(data)
}

func (e *PageImageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <page-id>",
		Short: "Download a page image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + ".png"
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			return api.NewClient(getServerURL()).Download(cmd.Context(), "/api/v1/pages/"+url.PathEscape(args[0]), f)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "f", "", "Output file (default <page-id>.png)")
	return cmd
}

// PagePreviewEndpoint handles GET /api/v1/pages/{id}/preview.
type PagePreviewEndpoint struct{}

var _ api.Endpoint = (*PagePreviewEndpoint)(nil)

func (e *PagePreviewEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/pages/{id}/preview", e.handler
}

func (e *PagePreviewEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Get a scaled page preview
//	@Tags		pages
//	@Produce	image/png
//	@Param		id		path	string	true	"Page ID"
//	@Param		width	query	int		false	"Target width in pixels"
//	@Success	200		{file}	binary
//	@Failure	400		{object}	ErrorResponse
//	@Failure	404		{object}	ErrorResponse
//	@Router		/api/v1/pages/{id}/preview [get]
func (e *PagePreviewEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	width := blob.DefaultPreviewWidth
	if svc := svcctx.ServicesFrom(r.Context()); svc != nil && svc.PreviewWidth > 0 {
		width = svc.PreviewWidth
	}
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 4000 {
			writeError(w, http.StatusBadRequest, "width must be between 1 and 4000")
			return
		}
		width = n
	}

	id := r.PathValue("id")
	data, err := blob.Preview(r.Context(), svcctx.BlobsFrom(r.Context()), id, width)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s.png"`, id))
	w.Header().Set("Cache-Control", immutableCache)
	w.Header().Set("ETag", strconv.Quote(id+"-"+strconv.Itoa(width)))
	w.Write(data)
}

func (e *PagePreviewEndpoint) Command(_ func() string) *cobra.Command {
	return nil
}

// ExtractRequest is the body of the manual extraction endpoints.
type ExtractRequest struct {
	CompetitionID   string   `json:"competition_id"`
	PageIDs         []string `json:"page_ids,omitempty"`
	AllowLargePrint bool     `json:"allow_large_print"`
}

// ExtractPageEndpoint handles POST /api/v1/pages/{id}/extract. It runs the
// extractor on one page immediately, regardless of the queue and the daily
// budget, and reconciles the result into the competition.
type ExtractPageEndpoint struct{}

var _ api.Endpoint = (*ExtractPageEndpoint)(nil)

func (e *ExtractPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/pages/{id}/extract", e.handler
}

func (e *ExtractPageEndpoint) RequiresInit() bool { return true }
func (e *ExtractPageEndpoint) Group() string      { return "pages" }

// handler godoc
//
//	@Summary		Extract one page now
//	@Description	Runs extraction outside the queue. The call still counts against the daily budget.
//	@Description	A failed extraction returns 200 with a non-ok outcome and a null result.
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Page ID"
//	@Param			body	body		ExtractRequest	true	"Competition to reconcile into"
//	@Success		200		{object}	pipeline.ManualResult
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/v1/pages/{id}/extract [post]
func (e *ExtractPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !decodeExtractRequest(w, r, &req) {
		return
	}
	runExtraction(w, r, req.CompetitionID, []string{r.PathValue("id")}, req.AllowLargePrint)
}

func (e *ExtractPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req ExtractRequest
	cmd := &cobra.Command{
		Use:   "extract <page-id>",
		Short: "Run extraction on one page now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp pipeline.ManualResult
			path := "/api/v1/pages/" + url.PathEscape(args[0]) + "/extract"
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), path, req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&req.CompetitionID, "competition", "", "Competition ID")
	cmd.Flags().BoolVar(&req.AllowLargePrint, "large-print", false, "Include large print questions")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

// ExtractPagesEndpoint handles POST /api/v1/pages/extract: several
// consecutive pages extracted as one logical page, for questions that span
// a page break or large print packets.
type ExtractPagesEndpoint struct{}

var _ api.Endpoint = (*ExtractPagesEndpoint)(nil)

func (e *ExtractPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/pages/extract", e.handler
}

func (e *ExtractPagesEndpoint) RequiresInit() bool { return true }
func (e *ExtractPagesEndpoint) Group() string      { return "pages" }

// handler godoc
//
//	@Summary		Extract several pages as one
//	@Description	Rows are stamped with the first page id.
//	@Tags			pages
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ExtractRequest	true	"Competition and ordered page ids"
//	@Success		200		{object}	pipeline.ManualResult
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Router			/api/v1/pages/extract [post]
func (e *ExtractPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if !decodeExtractRequest(w, r, &req) {
		return
	}
	runExtraction(w, r, req.CompetitionID, req.PageIDs, req.AllowLargePrint)
}

func (e *ExtractPagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req ExtractRequest
	cmd := &cobra.Command{
		Use:   "extract-many <page-id,page-id,...>",
		Short: "Run extraction on consecutive pages as one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range strings.Split(args[0], ",") {
				if id = strings.TrimSpace(id); id != "" {
					req.PageIDs = append(req.PageIDs, id)
				}
			}
			var resp pipeline.ManualResult
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), "/api/v1/pages/extract", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&req.CompetitionID, "competition", "", "Competition ID")
	cmd.Flags().BoolVar(&req.AllowLargePrint, "large-print", true, "Include large print questions")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

func decodeExtractRequest(w http.ResponseWriter, r *http.Request, req *ExtractRequest) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	if req.CompetitionID == "" {
		writeError(w, http.StatusBadRequest, "competition_id is required")
		return false
	}
	return true
}

func runExtraction(w http.ResponseWriter, r *http.Request, competitionID string, pageIDs []string, allowLargePrint bool) {
	res, err := svcctx.ControllerFrom(r.Context()).RunExtraction(r.Context(), competitionID, pageIDs, allowLargePrint)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
