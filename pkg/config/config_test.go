package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigPaths(t *testing.T) {
	cfg := DefaultConfig("/data")
	if cfg.MetadataPath != "/data/metadata.db" {
		t.Errorf("MetadataPath = %q, want /data/metadata.db", cfg.MetadataPath)
	}
	if cfg.Dimensions != 256 {
		t.Errorf("Dimensions = %d, want 256", cfg.Dimensions)
	}
	if !cfg.AutoAssociation.Enabled {
		t.Error("AutoAssociation should be enabled by default")
	}
	if cfg.Duplicate.AllowDuplicates {
		t.Error("AllowDuplicates should default to false")
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load("", "/data")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dimensions != 256 {
		t.Errorf("Dimensions = %d, want default 256", cfg.Dimensions)
	}
}

func TestLoadMissingConfigFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"), "/data")
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if cfg.VectorPath != "/data/vectors.db" {
		t.Errorf("VectorPath = %q, want default", cfg.VectorPath)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "dimensions: 512\nuse_hnsw: false\nauto_association:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, "/data")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dimensions != 512 {
		t.Errorf("Dimensions = %d, want 512 from file", cfg.Dimensions)
	}
	if cfg.UseHNSW {
		t.Error("UseHNSW should be false per file override")
	}
	if cfg.AutoAssociation.Enabled {
		t.Error("AutoAssociation.Enabled should be false per file override")
	}
	if cfg.MetadataPath != "/data/metadata.db" {
		t.Errorf("MetadataPath = %q, want default since not overridden", cfg.MetadataPath)
	}
}
