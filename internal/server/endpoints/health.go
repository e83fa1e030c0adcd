package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/pgdocker"
	"github.com/jackzampolin/mathbank/internal/providers"
	"github.com/jackzampolin/mathbank/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

var _ api.Endpoint = (*HealthEndpoint)(nil)

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Liveness check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp HealthResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

var _ api.Endpoint = (*ReadyEndpoint)(nil)

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Readiness check
//	@Description	Returns 200 only when the row store answers a ping
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	s := svcctx.StoreFrom(r.Context())
	if s == nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "not_initialized"})
		return
	}
	if err := s.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the row store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp HealthResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server   string         `json:"server"`
	Store    StoreStatus    `json:"store"`
	AI       AIStatus       `json:"ai"`
	Pipeline PipelineBrief  `json:"pipeline"`
	Postgres *ContainerInfo `json:"postgres,omitempty"`
}

type StoreStatus struct {
	Driver string `json:"driver"`
	Health string `json:"health"`
}

// AIStatus lists registered vision clients and the per-minute limiter state.
type AIStatus struct {
	Clients     []string                     `json:"clients"`
	Active      string                       `json:"active,omitempty"`
	Model       string                       `json:"model,omitempty"`
	RateLimiter *providers.RateLimiterStatus `json:"rate_limiter,omitempty"`
}

type PipelineBrief struct {
	Idle bool `json:"idle"`
	Busy bool `json:"busy"`
}

type ContainerInfo struct {
	Container string `json:"container"`
	DSN       string `json:"dsn"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	StoreDriver string
	Postgres    *pgdocker.Manager
}

var _ api.Endpoint = (*StatusEndpoint)(nil)

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Server status
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Router		/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{
		Server: "running",
		Store:  StoreStatus{Driver: e.StoreDriver, Health: "not_initialized"},
	}

	if s := svcctx.StoreFrom(ctx); s != nil {
		resp.Store.Health = "healthy"
		if err := s.Ping(ctx); err != nil {
			resp.Store.Health = "unhealthy"
		}
	}

	if reg := svcctx.RegistryFrom(ctx); reg != nil {
		resp.AI.Clients = reg.List()
		if c, err := reg.Active(); err == nil {
			resp.AI.Active = c.Name()
			resp.AI.Model = c.Model()
		}
	}
	if rl := svcctx.RateLimiterFrom(ctx); rl != nil {
		st := rl.Status()
		resp.AI.RateLimiter = &st
	}

	if ctrl := svcctx.ControllerFrom(ctx); ctrl != nil {
		st := ctrl.Status()
		resp.Pipeline = PipelineBrief{Idle: st.Idle, Busy: st.Busy}
	}

	if e.Postgres != nil {
		info := &ContainerInfo{Container: "error", DSN: e.Postgres.DSN()}
		if status, err := e.Postgres.Status(ctx); err == nil {
			info.Container = string(status)
		}
		resp.Postgres = info
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp StatusResponse
			if err := api.NewClient(getServerURL()).Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			if api.GetOutputFormat() == api.OutputFormatJSON {
				return api.Output(resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server:   %s\n", resp.Server)
			fmt.Fprintf(cmd.OutOrStdout(), "Store:    %s (%s)\n", resp.Store.Driver, resp.Store.Health)
			fmt.Fprintf(cmd.OutOrStdout(), "AI:       %s %s\n", resp.AI.Active, resp.AI.Model)
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline: idle=%t busy=%t\n", resp.Pipeline.Idle, resp.Pipeline.Busy)
			if resp.Postgres != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Postgres: %s\n", resp.Postgres.Container)
			}
			return nil
		},
	}
}
