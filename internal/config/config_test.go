package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FINTRACK_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := filepath.Join(home, ".local", "share", "fintrack", "fintrack.db")
	if cfg.Database.Path != want {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, want)
	}
	if !cfg.Database.AutoCreate {
		t.Error("auto_create default should be true")
	}
	if cfg.Database.BusyTimeoutMS != 5000 {
		t.Errorf("busy_timeout_ms = %d, want 5000", cfg.Database.BusyTimeoutMS)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FINTRACK_CONFIG", "")
	t.Setenv("FINTRACK_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("FINTRACK_DATABASE_STRICT", "true")
	t.Setenv("FINTRACK_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("database path = %q, want /tmp/override.db", cfg.Database.Path)
	}
	if !cfg.Database.Strict {
		t.Error("strict override not applied")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FINTRACK_CONFIG", path)

	in := Config{
		Database: DatabaseConfig{
			Path:          "/data/fintrack.db",
			AutoCreate:    true,
			Strict:        true,
			BusyTimeoutMS: 250,
		},
		Log: LogConfig{Level: "warn", Format: "json"},
	}
	if err := Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	out, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Database.Path != in.Database.Path {
		t.Errorf("path = %q, want %q", out.Database.Path, in.Database.Path)
	}
	if out.Database.BusyTimeoutMS != in.Database.BusyTimeoutMS {
		t.Errorf("busy_timeout_ms = %d, want %d", out.Database.BusyTimeoutMS, in.Database.BusyTimeoutMS)
	}
	if !out.Database.Strict {
		t.Error("strict flag lost in round trip")
	}
	if out.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", out.Log.Level)
	}
}
