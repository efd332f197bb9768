package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestDBCmd_Help(t *testing.T) {
	out, err := runCmd(t, "", "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	if !strings.Contains(out, "Database management") {
		t.Errorf("expected help to mention 'Database management', got: %s", out)
	}
	for _, sub := range []string{"init", "reset"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help to list %q subcommand, got: %s", sub, out)
		}
	}
}

func TestDBInitCmd_Help(t *testing.T) {
	out, err := runCmd(t, "", "db", "init", "--help")
	if err != nil {
		t.Fatalf("db init --help failed: %v", err)
	}
	if !strings.Contains(out, "--config") {
		t.Errorf("expected help to mention '--config' flag, got: %s", out)
	}
	if !strings.Contains(out, "deskchat.yaml") {
		t.Errorf("expected default config path 'deskchat.yaml', got: %s", out)
	}
}

func TestDBInitCmd_InvalidConfig(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	// Overwrite with a config lacking auth.secret.
	if err := writeFile(cfgPath, "database:\n  driver: sqlite\n"); err != nil {
		t.Fatal(err)
	}

	_, err := runCmd(t, "", "db", "init", "--config", cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if !strings.Contains(err.Error(), "auth.secret") {
		t.Errorf("error = %q, want to mention auth.secret", err.Error())
	}
}

func TestDBInitCmd_SQLite(t *testing.T) {
	cfgPath := writeTestConfig(t, "")

	out, err := runCmd(t, "", "db", "init", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Migrated 4 tables") {
		t.Errorf("expected migration summary, got: %s", out)
	}
	if strings.Contains(out, "Demo tenant") {
		t.Errorf("demo tenant seeded without dev.demo_tenant: %s", out)
	}
	if !strings.Contains(out, "initialized successfully") {
		t.Errorf("expected success message, got: %s", out)
	}
}

func TestDBInitCmd_SeedsDemoTenant(t *testing.T) {
	cfgPath := writeTestConfig(t, "dev:\n  demo_tenant: true\n  demo_tenant_name: Demo Co\n")

	out, err := runCmd(t, "", "db", "init", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db init: %v\n%s", err, out)
	}
	if !strings.Contains(out, `Demo tenant "Demo Co" ready`) {
		t.Errorf("expected demo tenant line, got: %s", out)
	}

	// Idempotent.
	if _, err := runCmd(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("second db init: %v", err)
	}
	out, err = runCmd(t, "", "tenant", "list", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out, "Demo Co"); n != 1 {
		t.Errorf("demo tenant listed %d times, want 1:\n%s", n, out)
	}
}

func TestDBResetCmd_Aborted(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	if _, err := runCmd(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "", "tenant", "create", "--name", "Acme", "--config", cfgPath); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "no\n", "db", "reset", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("expected abort, got: %s", out)
	}

	out, _ = runCmd(t, "", "tenant", "list", "--config", cfgPath)
	if !strings.Contains(out, "Acme") {
		t.Errorf("tenant lost after aborted reset: %s", out)
	}
}

func TestDBResetCmd_SQLite(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	if _, err := runCmd(t, "", "db", "init", "--config", cfgPath); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "", "tenant", "create", "--name", "Acme", "--config", cfgPath); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "", "db", "reset", "--yes", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db reset: %v\n%s", err, out)
	}
	if !strings.Contains(out, "reset and re-initialized") {
		t.Errorf("expected success message, got: %s", out)
	}

	out, err = runCmd(t, "", "tenant", "list", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No tenants found.") {
		t.Errorf("expected empty tenant list after reset, got: %s", out)
	}
}

func TestConfirmReset(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"  yes  \n", true},
		{"y\n", false},
		{"no\n", false},
		{"", false},
	}
	for _, tt := range tests {
		cmd := &cobra.Command{}
		out := new(bytes.Buffer)
		cmd.SetOut(out)
		cmd.SetIn(strings.NewReader(tt.input))

		if got := confirmReset(cmd, "sqlite test.db"); got != tt.want {
			t.Errorf("confirmReset(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "sqlite test.db") {
			t.Errorf("prompt does not name the target: %s", out.String())
		}
	}
}
