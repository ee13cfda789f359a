package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "quota.rego")

	regoContent := `# Caps requests per tenant.
# Second description line.
# severity: critical
package froyo.custom.quota

import rego.v1

deny contains "too many" if input.total_requested > 100
`
	writeFile(t, policyFile, regoContent)

	policies, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "quota" {
		t.Errorf("Expected name 'quota', got '%s'", p.Name)
	}
	if p.Description != "Caps requests per tenant. Second description line." {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", p.Severity)
	}
	if p.Rego != regoContent || !p.Enabled {
		t.Error("Rego content or enabled flag not preserved")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	single := filepath.Join(dir, "single.json")
	writeFile(t, single, `{"name": "single", "rego": "package single\n", "enabled": true}`)

	bundle := filepath.Join(dir, "bundle.json")
	writeFile(t, bundle, `{
  "name": "site",
  "version": "1.0.0",
  "policies": [
    {"name": "a", "rego": "package a\n", "severity": "error", "enabled": true},
    {"name": "b", "rego": "package b\n", "enabled": false}
  ]
}`)

	tests := []struct {
		path  string
		names []string
	}{
		{path: single, names: []string{"single"}},
		{path: bundle, names: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			policies, err := loader.loadFromFile(context.Background(), tt.path)
			if err != nil {
				t.Fatalf("Failed to load: %v", err)
			}
			if len(policies) != len(tt.names) {
				t.Fatalf("Expected %d policies, got %d", len(tt.names), len(policies))
			}
			for i, name := range tt.names {
				if policies[i].Name != name {
					t.Errorf("policy %d = %s, want %s", i, policies[i].Name, name)
				}
				if policies[i].Severity == "" || policies[i].CreatedAt.IsZero() {
					t.Errorf("defaults not applied to %s", name)
				}
			}
		})
	}

	nameless := filepath.Join(dir, "nameless.json")
	writeFile(t, nameless, `{"rego": "package x\n"}`)
	if _, err := loader.loadFromFile(context.Background(), nameless); err == nil {
		t.Error("Expected error for policy without a name")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.Mkdir(nested, 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "one.rego"), "package one\n")
	writeFile(t, filepath.Join(nested, "two.rego"), "package two\n")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.ReloadDelay = 10 * time.Millisecond
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	err := loader.Watch(ctx, []string{dir}, func(_ context.Context, policies []Policy) error {
		select {
		case reloaded <- len(policies):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, filepath.Join(dir, "second.rego"), "package second\n")

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("reload saw %d policies, want 2", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
