package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Backend != "fsmarkdown" {
		t.Fatalf("default backend = %q", cfg.Storage.Backend)
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "df init") {
		t.Fatalf("missing config error = %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional = %v, %v; want nil, nil", cfg, err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "docflow.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.APIKeyEnv != "DOCFLOW_ORCHESTRATOR_KEY" {
		t.Fatalf("api_key_env = %q", cfg.Orchestrator.APIKeyEnv)
	}
	if cfg.Server.JWTSecretEnv != "DOCFLOW_JWT_SECRET" {
		t.Fatalf("jwt_secret_env = %q", cfg.Server.JWTSecretEnv)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	_, err := FromYAML([]byte("storage:\n  backend: redis\n  base_dir: data\n"))
	if err == nil || !strings.Contains(err.Error(), "backend") {
		t.Fatalf("err = %v", err)
	}
}
