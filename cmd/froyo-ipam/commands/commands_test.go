package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	jsonOutput = false
	configPath = ""

	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func TestWorkspaceLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "froyo-ipam.yaml")

	if err := run(t, "init", "--config", cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	for _, name := range []string{"froyo-ipam.yaml", "inventory.cue", "froyo-ipam.db"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("init did not create %s: %v", name, err)
		}
	}
	if err := run(t, "init", "--config", cfg); err == nil {
		t.Error("second init without --force should fail")
	}

	steps := [][]string{
		{"seed"},
		{"seed"},
		{"allocate", "--subnet", "/resources/subnets/lab", "--resource", "/resources/vms/web=2"},
		{"allocate-ip", "--subnet", "/resources/subnets/lab", "--resource", "/resources/vms/db", "--address", "10.0.0.200"},
		{"usage", "/resources/subnets/lab"},
		{"reclaim", "--json"},
	}
	for _, step := range steps {
		if err := run(t, append(step, "--config", cfg)...); err != nil {
			t.Fatalf("%s failed: %v", strings.Join(step, " "), err)
		}
	}

	err := run(t, "allocate-ip", "--config", cfg,
		"--subnet", "/resources/subnets/lab", "--resource", "/resources/vms/other", "--address", "10.0.0.200")
	if err == nil || !strings.Contains(err.Error(), "FAILED") {
		t.Errorf("claiming a taken address should end FAILED, got %v", err)
	}
}

func TestAssignRequiresReadableFile(t *testing.T) {
	err := run(t, "assign", "--file", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to read request") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestAssignFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "froyo-ipam.yaml")
	if err := run(t, "init", "--config", cfg); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := run(t, "seed", "--config", cfg); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := filepath.Join(dir, "assignment.yaml")
	content := `allocations:
  - subnet_link: /resources/subnets/lab
    resource_to_ip_count:
      /resources/vms/web: 3
`
	if err := os.WriteFile(req, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := run(t, "assign", "--config", cfg, "--file", req, "--json"); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
}
