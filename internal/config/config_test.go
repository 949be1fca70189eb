package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWalksUpToProjectRoot(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
language = "typescript"

[clickhouse_config]
db_name = "analytics"
additional_databases = ["staging"]
`)
	nested := filepath.Join(root, "app", "tables")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	p, err := Load(nested)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Root != root {
		t.Errorf("Root = %q, want %q", p.Root, root)
	}
	if p.ClickHouse.DBName != "analytics" {
		t.Errorf("DBName = %q", p.ClickHouse.DBName)
	}
	if !p.HasDatabase("staging") || p.HasDatabase("prod") {
		t.Error("additional_databases not honored")
	}
}

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "")

	p, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ClickHouse.DBName != "local" {
		t.Errorf("default DBName = %q", p.ClickHouse.DBName)
	}
	if p.HTTP.ManagementPort != 5001 {
		t.Errorf("default ManagementPort = %d", p.HTTP.ManagementPort)
	}
	if p.State.Backend != "redis" {
		t.Errorf("default state backend = %q", p.State.Backend)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[clickhouse_config]
db_name = "from_file"
`)
	t.Setenv("MOOSE_CLICKHOUSE_CONFIG_DB_NAME", "from_env")

	p, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ClickHouse.DBName != "from_env" {
		t.Errorf("DBName = %q, want env to win", p.ClickHouse.DBName)
	}
}

func TestLoadRejectsUnknownStateBackend(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `
[state_config]
backend = "etcd"
`)
	if _, err := Load(root); err == nil {
		t.Fatal("unknown state backend must be rejected")
	}
}

func TestLoadMissingConfig(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected an error outside a project")
	}
}
