package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults error = %v", err)
	}
	if cfg.AI.APIKey != "${GEMINI_API_KEY}" {
		t.Errorf("AI.APIKey = %q, want env placeholder", cfg.AI.APIKey)
	}
	if got := cfg.Pipeline.Limits()["gemini-2.5-flash"]; got != 110 {
		t.Errorf("Limits()[gemini-2.5-flash] = %d, want 110", got)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "secret123")

	tests := []struct {
		in   string
		want string
	}{
		{"${TEST_API_KEY}", "secret123"},
		{"${DEFINITELY_NOT_SET_12345}", ""},
		{"literal-value", "literal-value"},
		{"prefix-${TEST_API_KEY}", "prefix-secret123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ResolveEnvVars(tt.in); got != tt.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: "9999"
ai:
  provider: mock
  model: gemini-2.5-pro
pipeline:
  fast_interval: 5s
  max_schema_failures: 0
  daily_limits:
    - model: gemini-2.5-pro
      limit: 7
`)
		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		cfg := mgr.Get()
		if cfg.Server.Port != "9999" {
			t.Errorf("Server.Port = %q, want 9999", cfg.Server.Port)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
		}
		if cfg.Pipeline.FastInterval != 5*time.Second {
			t.Errorf("Pipeline.FastInterval = %v, want 5s", cfg.Pipeline.FastInterval)
		}
		if cfg.Pipeline.SlowInterval != 10*time.Minute {
			t.Errorf("Pipeline.SlowInterval = %v, want default", cfg.Pipeline.SlowInterval)
		}
		if cfg.Pipeline.MaxSchemaFailures != 0 {
			t.Errorf("Pipeline.MaxSchemaFailures = %d, want 0", cfg.Pipeline.MaxSchemaFailures)
		}
		limits := cfg.Pipeline.Limits()
		if len(limits) != 1 || limits["gemini-2.5-pro"] != 7 {
			t.Errorf("Limits() = %v", limits)
		}
		if mgr.ConfigFileUsed() != path {
			t.Errorf("ConfigFileUsed() = %q, want %q", mgr.ConfigFileUsed(), path)
		}
	})

	t.Run("missing explicit file uses defaults", func(t *testing.T) {
		mgr, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if mgr.Get().Store.Driver != "sqlite" {
			t.Errorf("Store.Driver = %q, want sqlite", mgr.Get().Store.Driver)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("MATHBANK_SERVER_PORT", "7070")
		t.Setenv("MATHBANK_PIPELINE_STEP_TIMEOUT", "45s")
		path := writeConfig(t, "server:\n  port: \"9999\"\n")
		mgr, err := NewManager(path)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}
		if got := mgr.Get().Server.Port; got != "7070" {
			t.Errorf("Server.Port = %q, want 7070", got)
		}
		if got := mgr.Get().Pipeline.StepTimeout; got != 45*time.Second {
			t.Errorf("Pipeline.StepTimeout = %v, want 45s", got)
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		for _, content := range []string{
			"store:\n  driver: mysql\n",
			"store:\n  driver: firestore\n",
			"blobs:\n  driver: gcs\n",
			"ai:\n  provider: carrier-pigeon\n",
			"pipeline:\n  max_schema_failures: -1\n",
			"pipeline:\n  daily_limits:\n    - model: \"\"\n      limit: 3\n",
		} {
			if _, err := NewManager(writeConfig(t, content)); err == nil {
				t.Errorf("NewManager(%q) succeeded, want error", content)
			}
		}
	})
}

func TestToRegistryConfig(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "g-123")
	cfg := DefaultConfig()
	cfg.AI.APIKey = "${TEST_GEMINI_KEY}"

	rc := cfg.ToRegistryConfig()
	if rc.APIKey != "g-123" {
		t.Errorf("APIKey = %q, want resolved value", rc.APIKey)
	}
	if rc.Provider != "openai" || rc.Model != "gemini-2.5-flash" {
		t.Errorf("ToRegistryConfig() = %+v", rc)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# mathbank configuration") {
		t.Errorf("missing header:\n%s", data)
	}

	// The written file must load back to the defaults.
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() on default file error = %v", err)
	}
	got, want := mgr.Get(), DefaultConfig()
	if got.Pipeline.StepTimeout != want.Pipeline.StepTimeout {
		t.Errorf("StepTimeout = %v, want %v", got.Pipeline.StepTimeout, want.Pipeline.StepTimeout)
	}
	if len(got.Pipeline.DailyLimits) != len(want.Pipeline.DailyLimits) {
		t.Errorf("DailyLimits = %v, want %v", got.Pipeline.DailyLimits, want.Pipeline.DailyLimits)
	}
}

func TestManager_WatchConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"1111\"\n")

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var calls atomic.Int32
	var lastPort atomic.Value
	mgr.OnChange(func(cfg *Config) {
		calls.Add(1)
		lastPort.Store(cfg.Server.Port)
	})
	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  port: \"2222\"\n"), 0o644); err != nil {
		t.Fatalf("failed to update config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && calls.Load() == 0 {
		time.Sleep(50 * time.Millisecond)
	}

	if calls.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Server.Port; got != "2222" {
		t.Errorf("Server.Port = %q, want 2222", got)
	}
	if v := lastPort.Load(); v != "2222" {
		t.Errorf("callback saw port %v, want 2222", v)
	}
}
