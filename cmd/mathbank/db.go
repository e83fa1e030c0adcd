package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/mathbank/internal/config"
	"github.com/jackzampolin/mathbank/internal/home"
	"github.com/jackzampolin/mathbank/internal/pgdocker"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local postgres container",
	Long: `Manage the local postgres container used when store.driver is postgres
and store.dsn is empty. Data is persisted under {home}/postgres.

'mathbank serve' starts and stops the container on its own; these commands
are for running it without the server, e.g. to inspect the data.

Examples:
  mathbank db start   # Create or start the container
  mathbank db status  # Show container status and DSN
  mathbank db logs    # Show container logs
  mathbank db stop    # Stop the container (data preserved)`,
}

var dbStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the postgres container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		fmt.Println("Starting postgres...")
		if err := mgr.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start postgres: %w", err)
		}
		fmt.Printf("Postgres is running at %s\n", mgr.DSN())
		return nil
	},
}

var dbStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the postgres container",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Stop(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop postgres: %w", err)
		}
		fmt.Println("Postgres stopped")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show postgres container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		switch status {
		case pgdocker.StatusRunning:
			fmt.Printf("Status: %s\n", status)
			fmt.Printf("DSN: %s\n", mgr.DSN())
			if err := mgr.WaitReady(ctx, 2*time.Second); err != nil {
				fmt.Printf("Health: unhealthy (%v)\n", err)
			} else {
				fmt.Println("Health: healthy")
			}
		case pgdocker.StatusStopped:
			fmt.Printf("Status: %s (use 'mathbank db start' to start)\n", status)
		case pgdocker.StatusNotFound:
			fmt.Printf("Status: %s (use 'mathbank db start' to create)\n", status)
		default:
			fmt.Printf("Status: %s\n", status)
		}
		return nil
	},
}

var dbLogsTail string

var dbLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show postgres container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), dbLogsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}
		fmt.Print(logs)
		return nil
	},
}

var dbRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the postgres container (data preserved)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Remove(cmd.Context()); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}
		fmt.Println("Postgres container removed (data preserved)")
		return nil
	},
}

var dbWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for postgres to accept connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := getPostgresManager()
		if err != nil {
			return err
		}
		defer mgr.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := mgr.WaitReady(cmd.Context(), timeout); err != nil {
			return fmt.Errorf("postgres not ready: %w", err)
		}
		fmt.Println("Postgres is ready")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbStartCmd, dbStopCmd, dbStatusCmd, dbLogsCmd, dbRemoveCmd, dbWaitCmd)
	dbLogsCmd.Flags().StringVar(&dbLogsTail, "tail", "100", "Number of lines to show from the end")
	dbWaitCmd.Flags().Duration("timeout", 30*time.Second, "Timeout waiting for postgres")
	rootCmd.AddCommand(dbCmd)
}

// getPostgresManager builds the container manager from the postgres config section.
func getPostgresManager() (*pgdocker.Manager, error) {
	h, err := getHome()
	if err != nil {
		return nil, err
	}
	mgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	return postgresManager(mgr.Get().Postgres, h)
}

func postgresManager(cfg config.PostgresConfig, h *home.Dir) (*pgdocker.Manager, error) {
	name := cfg.ContainerName
	if name == "" {
		name = pgdocker.GenerateContainerName(h.Path())
	}
	return pgdocker.New(pgdocker.Config{
		ContainerName: name,
		Image:         cfg.Image,
		DataPath:      h.PostgresDataDir(),
		HostPort:      cfg.Port,
		Password:      config.ResolveEnvVars(cfg.Password),
	})
}
