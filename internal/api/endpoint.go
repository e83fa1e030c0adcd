package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Endpoint defines both an HTTP route and its corresponding CLI command.
type Endpoint interface {
	// Route returns the HTTP method, path, and handler for this endpoint.
	Route() (method, path string, handler http.HandlerFunc)

	// RequiresInit reports whether the endpoint needs the row store and
	// pipeline services to be wired.
	RequiresInit() bool

	// Command returns a cobra command that calls this endpoint via HTTP, or
	// nil when the endpoint has no CLI form. getServerURL is evaluated when
	// the command runs.
	Command(getServerURL func() string) *cobra.Command
}

// Grouped endpoints place their command under `api <group>`.
type Grouped interface {
	Group() string
}
