package providers

import (
	"context"
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()
		r.Register("test", mock)

		client, err := r.Get("test")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}

		active, err := r.Active()
		if err != nil {
			t.Fatalf("Active() error = %v", err)
		}
		if active != mock {
			t.Error("first registered client should be active")
		}
	})

	t.Run("get nonexistent", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get("missing"); err == nil {
			t.Error("expected error for missing client")
		}
		if _, err := r.Active(); err == nil {
			t.Error("expected error when nothing is configured")
		}
		if err := r.SetActive("missing"); err == nil {
			t.Error("expected error activating a missing client")
		}
	})

	t.Run("list sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register("b", NewMockClient())
		r.Register("a", NewMockClient())
		names := r.List()
		if len(names) != 2 || names[0] != "a" || names[1] != "b" {
			t.Errorf("List() = %v, want [a b]", names)
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		r.Register("mock", NewMockClient())
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = r.Active()
			}()
			go func() {
				defer wg.Done()
				_ = r.List()
			}()
		}
		wg.Wait()
	})
}

func TestRegistryReload(t *testing.T) {
	ctx := context.Background()

	r, err := NewRegistryFromConfig(ctx, RegistryConfig{Provider: MockClientName, Model: "m1"})
	if err != nil {
		t.Fatalf("NewRegistryFromConfig() error = %v", err)
	}
	first, _ := r.Active()
	if first.Model() != "m1" {
		t.Errorf("Model() = %q, want m1", first.Model())
	}

	if err := r.Reload(ctx, RegistryConfig{Provider: MockClientName, Model: "m1"}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	same, _ := r.Active()
	if same != first {
		t.Error("unchanged config should keep the existing client")
	}

	if err := r.Reload(ctx, RegistryConfig{Provider: MockClientName, Model: "m2"}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	next, _ := r.Active()
	if next.Model() != "m2" {
		t.Errorf("Model() after reload = %q, want m2", next.Model())
	}

	t.Run("openai without key", func(t *testing.T) {
		if err := r.Reload(ctx, RegistryConfig{Provider: OpenAIName, Model: "x"}); err == nil {
			t.Error("expected error for openai without api key")
		}
		still, _ := r.Active()
		if still != next {
			t.Error("failed reload should keep the previous client")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		if err := r.Reload(ctx, RegistryConfig{Provider: "nope"}); err == nil {
			t.Error("expected error for unknown provider")
		}
	})
}
