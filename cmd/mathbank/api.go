package main

import (
	"os"

	"github.com/jackzampolin/mathbank/internal/api"
	"github.com/jackzampolin/mathbank/internal/server/endpoints"
)

var serverURL string

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	reg := api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{}) {
		reg.Register(ep)
	}
	apiCmd := reg.BuildCommands(getServerURL)

	defaultURL := os.Getenv("MATHBANK_SERVER")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	apiCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Server URL (env MATHBANK_SERVER)")

	rootCmd.AddCommand(apiCmd)
}
