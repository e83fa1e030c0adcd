package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/ingest"
	"github.com/jackzampolin/mathbank/internal/server"
)

var ingestCompetition string

var ingestCmd = &cobra.Command{
	Use:   "ingest <pdf>...",
	Short: "Render PDFs into a new upload without a running server",
	Long: `Render one or more PDF packets to page images and register them as a
new upload in the configured stores. The upload is left in the processing
state; a running server picks it up on its next recheck.

Use 'mathbank api uploads create' instead to ingest through a running server.

Examples:
  mathbank ingest --competition <id> regional-2024.pdf
  mathbank ingest --competition <id> part1.pdf part2.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		mgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		var dsn string
		if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
			pg, err := postgresManager(cfg.Postgres, h)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Start(ctx); err != nil {
				return fmt.Errorf("failed to start postgres: %w", err)
			}
			dsn = pg.DSN()
		}

		rt, err := server.OpenRuntime(ctx, server.RuntimeConfig{Config: cfg, Home: h, DSN: dsn, Logger: logger})
		if err != nil {
			return err
		}
		defer rt.Close()

		u, err := rt.Services.Ingester.Ingest(ctx, ingest.Request{
			CompetitionID: ingestCompetition,
			PDFPaths:      args,
		})
		if err != nil {
			return err
		}
		return api.Output(u)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCompetition, "competition", "", "Competition ID")
	_ = ingestCmd.MarkFlagRequired("competition")
	rootCmd.AddCommand(ingestCmd)
}
