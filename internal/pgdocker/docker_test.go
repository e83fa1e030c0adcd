package pgdocker

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/mathbank/internal/testutil"
)

func TestGenerateContainerName(t *testing.T) {
	tests := []struct {
		name     string
		homePath string
		want     string
	}{
		{"typical home path", "/home/user/.mathbank", ""},
		{"different home path", "/Users/jo/.mathbank", ""},
		{"empty path", "", "mathbank-postgres-e3b0c442"}, // sha256("")[:8]
	}

	seen := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateContainerName(tt.homePath)
			if !strings.HasPrefix(got, ContainerNamePrefix+"-") {
				t.Errorf("GenerateContainerName() = %q, want prefix %q", got, ContainerNamePrefix)
			}
			if len(got) != len(ContainerNamePrefix)+9 {
				t.Errorf("GenerateContainerName() length = %d, want %d", len(got), len(ContainerNamePrefix)+9)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("GenerateContainerName(%q) = %q, want %q", tt.homePath, got, tt.want)
			}
			if got != GenerateContainerName(tt.homePath) {
				t.Error("GenerateContainerName() not deterministic")
			}
			if seen[got] {
				t.Errorf("GenerateContainerName() collision on %q", got)
			}
			seen[got] = true
		})
	}
}

func TestDSN(t *testing.T) {
	m := &Manager{hostPort: "15432", password: "p@ss word"}
	u, err := url.Parse(m.DSN())
	if err != nil {
		t.Fatalf("DSN() not a url: %v", err)
	}
	if u.Scheme != "postgres" || u.Host != "127.0.0.1:15432" || u.Path != "/"+DefaultDatabase {
		t.Errorf("DSN() = %q", m.DSN())
	}
	if pw, _ := u.User.Password(); pw != "p@ss word" {
		t.Errorf("DSN() password = %q", pw)
	}
	if u.Query().Get("sslmode") != "disable" {
		t.Errorf("DSN() sslmode = %q", u.Query().Get("sslmode"))
	}
}

func TestManager_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	testutil.RequireDocker(t)

	port, err := testutil.FindFreePort()
	if err != nil {
		t.Fatalf("FindFreePort() error = %v", err)
	}
	m, err := New(Config{
		ContainerName: testutil.UniqueContainerName(t, "pg"),
		HostPort:      port,
		Labels:        testutil.ContainerLabels(t),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	if status, err := m.Status(ctx); err != nil || status != StatusNotFound {
		t.Fatalf("Status() = %s, %v; want not_found", status, err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if status, _ := m.Status(ctx); status != StatusRunning {
		t.Errorf("Status() after start = %s", status)
	}
	// A second start is a no-op.
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() again error = %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if status, _ := m.Status(ctx); status != StatusStopped {
		t.Errorf("Status() after stop = %s", status)
	}
	if err := m.Remove(ctx); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if status, _ := m.Status(ctx); status != StatusNotFound {
		t.Errorf("Status() after remove = %s", status)
	}
}
