package endpoints

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/ingest"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/svcctx"
)

// maxUploadMemory bounds the in-memory part of a multipart upload; larger
// files spill to disk.
const maxUploadMemory = 64 << 20

// UploadResponse is an upload with its extraction progress.
type UploadResponse struct {
	*store.Upload
	PageCount int `json:"page_count"`
	Remaining int `json:"remaining"`
}

func uploadResponse(u *store.Upload) UploadResponse {
	return UploadResponse{Upload: u, PageCount: len(u.Pages), Remaining: len(u.Pages) - u.NextPage}
}

// ListUploadsResponse is the response of GET /api/v1/uploads.
type ListUploadsResponse struct {
	Uploads []UploadResponse `json:"uploads"`
}

// CreateUploadEndpoint handles POST /api/v1/uploads with multipart PDFs.
type CreateUploadEndpoint struct{}

var _ api.Endpoint = (*CreateUploadEndpoint)(nil)

func (e *CreateUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/uploads", e.handler
}

func (e *CreateUploadEndpoint) RequiresInit() bool { return true }
func (e *CreateUploadEndpoint) Group() string      { return "uploads" }

// handler godoc
//
//	@Summary		Upload a packet
//	@Description	Upload the PDF(s) of one packet. Pages are rendered in the background; the upload
//	@Description	enters the extraction queue when rendering completes.
//	@Tags			uploads
//	@Accept			mpfd
//	@Produce		json
//	@Param			competition_id	formData	string	true	"Competition ID"
//	@Param			files			formData	file	true	"PDF files (multi-part packets are ordered by numeric suffix)"
//	@Success		202				{object}	UploadResponse
//	@Failure		400				{object}	ErrorResponse
//	@Failure		404				{object}	ErrorResponse
//	@Router			/api/v1/uploads [post]
func (e *CreateUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	competitionID := r.FormValue("competition_id")
	if competitionID == "" {
		writeError(w, http.StatusBadRequest, "competition_id is required")
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	for _, fh := range files {
		if !strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file %s is not a PDF", fh.Filename))
			return
		}
	}

	ing := svcctx.IngesterFrom(r.Context())
	logger := svcctx.LoggerFrom(r.Context())

	tempDir, err := os.MkdirTemp("", "mathbank-upload-*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create temp dir: %v", err))
		return
	}

	var paths []string
	for _, fh := range files {
		dest := filepath.Join(tempDir, filepath.Base(fh.Filename))
		if err := saveFormFile(fh, dest); err != nil {
			os.RemoveAll(tempDir)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		paths = append(paths, dest)
	}

	u, err := ing.Start(r.Context(), ingest.Request{
		CompetitionID: competitionID,
		PDFPaths:      paths,
		Filename:      files[0].Filename,
	}, func(err error) {
		os.RemoveAll(tempDir)
		if err != nil {
			logger.Error("upload rendering failed", "competition_id", competitionID, "error", err)
		}
	})
	if err != nil {
		os.RemoveAll(tempDir)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse(u))
}

func saveFormFile(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to save file: %w", err)
	}
	return dst.Close()
}

func (e *CreateUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	var competitionID string
	cmd := &cobra.Command{
		Use:   "create <pdf>...",
		Short: "Upload packet PDFs for extraction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp UploadResponse
			err := api.NewClient(getServerURL()).PostFiles(cmd.Context(), "/api/v1/uploads", "files", args,
				map[string]string{"competition_id": competitionID}, &resp)
			if err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&competitionID, "competition", "", "Competition ID")
	_ = cmd.MarkFlagRequired("competition")
	return cmd
}

// ListUploadsEndpoint handles GET /api/v1/uploads.
type ListUploadsEndpoint struct{}

var _ api.Endpoint = (*ListUploadsEndpoint)(nil)

func (e *ListUploadsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/uploads", e.handler
}

func (e *ListUploadsEndpoint) RequiresInit() bool { return true }
func (e *ListUploadsEndpoint) Group() string      { return "uploads" }

// handler godoc
//
//	@Summary	List uploads
//	@Tags		uploads
//	@Produce	json
//	@Param		state	query		string	false	"uploading, processing or processed"
//	@Success	200		{object}	ListUploadsResponse
//	@Failure	400		{object}	ErrorResponse
//	@Router		/api/v1/uploads [get]
func (e *ListUploadsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	state := store.UploadState(r.URL.Query().Get("state"))
	switch state {
	case "", store.StateUploading, store.StateProcessing, store.StateProcessed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}
	us, err := svcctx.StoreFrom(r.Context()).ListUploads(r.Context(), state)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := ListUploadsResponse{Uploads: make([]UploadResponse, 0, len(us))}
	for _, u := range us {
		resp.Uploads = append(resp.Uploads, uploadResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListUploadsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/uploads"
			if state != "" {
				path += "?state=" + url.QueryEscape(state)
			}
			var resp ListUploadsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	return cmd
}

// GetUploadEndpoint handles GET /api/v1/uploads/{id}.
type GetUploadEndpoint struct{}

var _ api.Endpoint = (*GetUploadEndpoint)(nil)

func (e *GetUploadEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/uploads/{id}", e.handler
}

func (e *GetUploadEndpoint) RequiresInit() bool { return true }
func (e *GetUploadEndpoint) Group() string      { return "uploads" }

// handler godoc
//
//	@Summary	Get an upload
//	@Tags		uploads
//	@Produce	json
//	@Param		id	path		string	true	"Upload ID"
//	@Success	200	{object}	UploadResponse
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/uploads/{id} [get]
func (e *GetUploadEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	u, err := svcctx.StoreFrom(r.Context()).GetUpload(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse(u))
}

func (e *GetUploadEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get an upload and its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp UploadResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/v1/uploads/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
