// Package home resolves the on-disk layout of a mathbank installation.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultDirName = ".mathbank"
	ConfigFileName = "config.yaml"
	DatabaseName   = "mathbank.db"
	PIDFileName    = "server.pid"
)

// Dir is a mathbank home directory.
type Dir struct {
	path string
}

// New returns a Dir at path, or at ~/.mathbank when path is empty.
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the default config file location.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DatabasePath returns the sqlite database file.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseName)
}

// PagesDir holds page images for the local blob store.
func (d *Dir) PagesDir() string {
	return filepath.Join(d.path, "pages")
}

// PostgresDataDir is bind-mounted into the local postgres container.
func (d *Dir) PostgresDataDir() string {
	return filepath.Join(d.path, "postgres")
}

// ExportsDir holds spreadsheets written by the export command.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// PIDPath is where a running server records its process id.
func (d *Dir) PIDPath() string {
	return filepath.Join(d.path, PIDFileName)
}

// EnsureExists creates the home directory and its subdirectories.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.path, d.PagesDir(), d.ExportsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists reports whether the config file exists.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
