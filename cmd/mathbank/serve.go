package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mathbank server",
	Long: `Start the mathbank HTTP server and the page-processing pipeline.

The server opens the configured row store and blob store, then walks
processing uploads one page at a time. With store.driver set to postgres
and no store.dsn, a local postgres container is started with the server
and stopped when it shuts down.

Edits to the config file are picked up while running: the AI provider,
the per-minute rate and the daily limits reload without a restart.

Examples:
  mathbank serve                    # Start on the configured address
  mathbank serve --port 3000        # Start on a custom port
  mathbank serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := newLogger()

		h, err := getHome()
		if err != nil {
			return err
		}
		if err := h.ClaimPID(); err != nil {
			return err
		}
		defer h.ReleasePID()

		mgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		mgr.SetLogger(logger)
		if used := mgr.ConfigFileUsed(); used != "" {
			if _, err := os.Stat(used); err == nil {
				mgr.WatchConfig()
			}
		}

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Home:          h,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
