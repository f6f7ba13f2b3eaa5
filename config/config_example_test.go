package config

import (
	"os"
	"testing"
)

// The shipped sample must load with only the environment overriding it.
func TestLoad_SampleConfig(t *testing.T) {
	if _, err := os.Stat("config.yaml"); err != nil {
		t.Skip("sample config not present")
	}
	t.Setenv("PORT", "9090")

	cfg, err := Load("config.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Storage.Type != StorageSQLite {
		t.Errorf("expected sqlite storage, got %s", cfg.Storage.Type)
	}
	if cfg.Catalog.Source != "config/catalog.yaml" {
		t.Errorf("unexpected catalog source %q", cfg.Catalog.Source)
	}
}
