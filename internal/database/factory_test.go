package database

import (
	"os"
	"path/filepath"
	"testing"

	"sitesnap/internal/config"
)

func TestNewIndexFromConfig(t *testing.T) {
	t.Run("memory index", func(t *testing.T) {
		got, err := NewIndexFromConfig(config.CacheConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewIndexFromConfig() error = %v", err)
		}
		defer got.Close()
		if err := got.CheckMigrations(); err != nil {
			t.Errorf("CheckMigrations() error = %v", err)
		}
	})

	t.Run("filesystem index", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "cache")
		got, err := NewIndexFromConfig(config.CacheConfig{Type: "filesystem", CacheDir: dir})
		if err != nil {
			t.Fatalf("NewIndexFromConfig() error = %v", err)
		}
		defer got.Close()
		if _, err := os.Stat(filepath.Join(dir, IndexFile)); err != nil {
			t.Errorf("index file not created: %v", err)
		}
	})

	t.Run("filesystem index without dir", func(t *testing.T) {
		if _, err := NewIndexFromConfig(config.CacheConfig{Type: "filesystem"}); err == nil {
			t.Error("NewIndexFromConfig() expected error for missing cache_dir")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewIndexFromConfig(config.CacheConfig{Type: "floppy"}); err == nil {
			t.Error("NewIndexFromConfig() expected error for unknown type")
		}
	})
}
