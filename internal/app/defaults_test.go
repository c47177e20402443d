package app

import (
	"os"
	"path/filepath"
	"testing"

	"sitesnap/internal/config"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/custom/config.toml")
		t.Setenv(EnvHome, "/custom/sitesnap")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults.ConfigPath != "/custom/config.toml" {
			t.Errorf("ConfigPath = %q, want %q", defaults.ConfigPath, "/custom/config.toml")
		}
		if defaults.BaseDir != "/custom/sitesnap" {
			t.Errorf("BaseDir = %q, want %q", defaults.BaseDir, "/custom/sitesnap")
		}
		if defaults.LogDir() != "/custom/sitesnap/log" {
			t.Errorf("LogDir() = %q, want %q", defaults.LogDir(), "/custom/sitesnap/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv(EnvHome, "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "sitesnap.toml")
		if defaults.ConfigPath != wantConfig {
			t.Errorf("ConfigPath = %q, want %q", defaults.ConfigPath, wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "sitesnap")
		if defaults.BaseDir != wantBase {
			t.Errorf("BaseDir = %q, want %q", defaults.BaseDir, wantBase)
		}
	})
}

func TestDefaults_LoadConfig(t *testing.T) {
	dir := t.TempDir()
	d := Defaults{ConfigPath: filepath.Join(dir, "sitesnap.toml"), BaseDir: dir}

	if _, err := d.LoadConfig(); err == nil {
		t.Fatal("LoadConfig() succeeded without a config file")
	}

	cfg := d.NewConfig("jane")
	cfg.LogDir = ""
	if err := config.Init(d.ConfigPath, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := d.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got.Author != "jane" {
		t.Errorf("Author = %q, want jane", got.Author)
	}
	if got.LogDir != d.LogDir() {
		t.Errorf("LogDir = %q, want %q", got.LogDir, d.LogDir())
	}
	if got.Cache.CacheDir != filepath.Join(dir, "cache") {
		t.Errorf("CacheDir = %q", got.Cache.CacheDir)
	}
}
