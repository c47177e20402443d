package database

import (
	"fmt"
	"os"
	"path/filepath"

	"sitesnap/internal/config"
)

// IndexFile is the index database name inside the cache directory.
const IndexFile = "index.db"

// NewIndexFromConfig opens the snapshot index for the configured cache type.
func NewIndexFromConfig(cfg config.CacheConfig) (*SQLiteIndex, error) {
	switch cfg.Type {
	case "filesystem":
		if cfg.CacheDir == "" {
			return nil, fmt.Errorf("cache_dir required for filesystem cache")
		}
		if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		return NewSQLiteIndex(filepath.Join(cfg.CacheDir, IndexFile))
	case "memory":
		return NewSQLiteIndex(":memory:")
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
