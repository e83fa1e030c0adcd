package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/catalog"
	"github.com/jackzampolin/mathbank/internal/store"
	"github.com/jackzampolin/mathbank/internal/svcctx"
)

// CreateCompetitionRequest is the body of POST /api/v1/competitions.
type CreateCompetitionRequest struct {
	Year     int    `json:"year"`
	Division string `json:"division"`
	Location string `json:"location"`
}

// CompetitionResponse adds the display name to a competition.
type CompetitionResponse struct {
	*store.Competition
	Name string `json:"name"`
}

func competitionResponse(c *store.Competition) CompetitionResponse {
	return CompetitionResponse{Competition: c, Name: catalog.CompetitionName(c.Year, c.Division, c.Location)}
}

// ListCompetitionsResponse is the response of GET /api/v1/competitions.
type ListCompetitionsResponse struct {
	Competitions []CompetitionResponse `json:"competitions"`
}

// CreateCompetitionEndpoint handles POST /api/v1/competitions.
type CreateCompetitionEndpoint struct{}

var _ api.Endpoint = (*CreateCompetitionEndpoint)(nil)

func (e *CreateCompetitionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/competitions", e.handler
}

func (e *CreateCompetitionEndpoint) RequiresInit() bool { return true }
func (e *CreateCompetitionEndpoint) Group() string      { return "competitions" }

// handler godoc
//
//	@Summary	Create a competition
//	@Tags		competitions
//	@Accept		json
//	@Produce	json
//	@Param		body	body		CreateCompetitionRequest	true	"Competition"
//	@Success	201		{object}	CompetitionResponse
//	@Failure	400		{object}	ErrorResponse
//	@Router		/api/v1/competitions [post]
func (e *CreateCompetitionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateCompetitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Year < 1900 || req.Year > 3000 {
		writeError(w, http.StatusBadRequest, "year is out of range")
		return
	}
	if !catalog.ValidDivision(req.Division) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("division must be %q or %q", catalog.DivisionRegional, catalog.DivisionState))
		return
	}
	if strings.TrimSpace(req.Location) == "" {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}

	c := &store.Competition{Year: req.Year, Division: req.Division, Location: strings.TrimSpace(req.Location)}
	if err := svcctx.StoreFrom(r.Context()).CreateCompetition(r.Context(), c); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, competitionResponse(c))
}

func (e *CreateCompetitionEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req CreateCompetitionRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a competition",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp CompetitionResponse
			if err := api.NewClient(getServerURL()).Post(cmd.Context(), "/api/v1/competitions", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().IntVar(&req.Year, "year", 0, "Competition year")
	cmd.Flags().StringVar(&req.Division, "division", catalog.DivisionRegional, "regional or state")
	cmd.Flags().StringVar(&req.Location, "location", "", "Host location")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

// ListCompetitionsEndpoint handles GET /api/v1/competitions.
type ListCompetitionsEndpoint struct{}

var _ api.Endpoint = (*ListCompetitionsEndpoint)(nil)

func (e *ListCompetitionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/competitions", e.handler
}

func (e *ListCompetitionsEndpoint) RequiresInit() bool { return true }
func (e *ListCompetitionsEndpoint) Group() string      { return "competitions" }

// handler godoc
//
//	@Summary	List competitions
//	@Tags		competitions
//	@Produce	json
//	@Success	200	{object}	ListCompetitionsResponse
//	@Router		/api/v1/competitions [get]
func (e *ListCompetitionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	cs, err := svcctx.StoreFrom(r.Context()).ListCompetitions(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := ListCompetitionsResponse{Competitions: make([]CompetitionResponse, 0, len(cs))}
	for _, c := range cs {
		resp.Competitions = append(resp.Competitions, competitionResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListCompetitionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List competitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp ListCompetitionsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/v1/competitions", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetCompetitionEndpoint handles GET /api/v1/competitions/{id}.
type GetCompetitionEndpoint struct{}

var _ api.Endpoint = (*GetCompetitionEndpoint)(nil)

func (e *GetCompetitionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/competitions/{id}", e.handler
}

func (e *GetCompetitionEndpoint) RequiresInit() bool { return true }
func (e *GetCompetitionEndpoint) Group() string      { return "competitions" }

// handler godoc
//
//	@Summary	Get a competition
//	@Tags		competitions
//	@Produce	json
//	@Param		id	path		string	true	"Competition ID"
//	@Success	200	{object}	CompetitionResponse
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/competitions/{id} [get]
func (e *GetCompetitionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	c, err := svcctx.StoreFrom(r.Context()).GetCompetition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, competitionResponse(c))
}

func (e *GetCompetitionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a competition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp CompetitionResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/api/v1/competitions/"+url.PathEscape(args[0]), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// QuestionsResponse is the response of GET /api/v1/competitions/{id}/questions.
type QuestionsResponse struct {
	Questions []*store.Question `json:"questions"`
	Total     int               `json:"total"`
	Answered  int               `json:"answered"`
}

// ListQuestionsEndpoint handles GET /api/v1/competitions/{id}/questions.
type ListQuestionsEndpoint struct{}

var _ api.Endpoint = (*ListQuestionsEndpoint)(nil)

func (e *ListQuestionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/competitions/{id}/questions", e.handler
}

func (e *ListQuestionsEndpoint) RequiresInit() bool { return true }
func (e *ListQuestionsEndpoint) Group() string      { return "questions" }

// handler godoc
//
//	@Summary	List extracted questions of a competition
//	@Tags		questions
//	@Produce	json
//	@Param		id		path		string	true	"Competition ID"
//	@Param		test	query		string	false	"Test code filter"
//	@Success	200		{object}	QuestionsResponse
//	@Failure	400		{object}	ErrorResponse
//	@Failure	404		{object}	ErrorResponse
//	@Router		/api/v1/competitions/{id}/questions [get]
func (e *ListQuestionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := svcctx.StoreFrom(ctx)
	id := r.PathValue("id")
	test := r.URL.Query().Get("test")
	if test != "" && !catalog.IsValid(test) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown test code %q", test))
		return
	}
	if _, err := s.GetCompetition(ctx, id); err != nil {
		writeServiceError(w, err)
		return
	}
	qs, err := s.ListQuestions(ctx, id, test)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := QuestionsResponse{Questions: qs, Total: len(qs)}
	if resp.Questions == nil {
		resp.Questions = []*store.Question{}
	}
	for _, q := range qs {
		if q.AnswerContent != nil {
			resp.Answered++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListQuestionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var test string
	cmd := &cobra.Command{
		Use:   "list <competition-id>",
		Short: "List extracted questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/competitions/" + url.PathEscape(args[0]) + "/questions"
			if test != "" {
				path += "?test=" + url.QueryEscape(test)
			}
			var resp QuestionsResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&test, "test", "", "Only this test code")
	return cmd
}

// ExportQuestionsEndpoint handles GET /api/v1/competitions/{id}/questions.xlsx.
type ExportQuestionsEndpoint struct{}

var _ api.Endpoint = (*ExportQuestionsEndpoint)(nil)

func (e *ExportQuestionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/competitions/{id}/questions.xlsx", e.handler
}

func (e *ExportQuestionsEndpoint) RequiresInit() bool { return true }
func (e *ExportQuestionsEndpoint) Group() string      { return "questions" }

// handler godoc
//
//	@Summary	Export questions as a spreadsheet
//	@Tags		questions
//	@Produce	application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
//	@Param		id		path	string	true	"Competition ID"
//	@Param		test	query	string	false	"Test code filter"
//	@Success	200		{file}	binary
//	@Failure	404		{object}	ErrorResponse
//	@Router		/api/v1/competitions/{id}/questions.xlsx [get]
func (e *ExportQuestionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	test := r.URL.Query().Get("test")
	if test != "" && !catalog.IsValid(test) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown test code %q", test))
		return
	}
	data, err := svcctx.ExporterFrom(r.Context()).QuestionsXLSX(r.Context(), id, test)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="questions-%s.xlsx"`, id))
	w.Write(data)
}

func (e *ExportQuestionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var test, out string
	cmd := &cobra.Command{
		Use:   "export <competition-id>",
		Short: "Download the question bank as an xlsx spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/competitions/" + url.PathEscape(args[0]) + "/questions.xlsx"
			if test != "" {
				path += "?test=" + url.QueryEscape(test)
			}
			if out == "" {
				out = "questions-" + args[0] + ".xlsx"
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := api.NewClient(getServerURL()).Download(cmd.Context(), path, f); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&test, "test", "", "Only this test code")
	cmd.Flags().StringVarP(&out, "out", "f", "", "Output file (default questions-<id>.xlsx)")
	return cmd
}
