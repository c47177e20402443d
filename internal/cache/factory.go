package cache

import (
	"fmt"
	"path/filepath"

	"sitesnap/internal/config"
	"sitesnap/internal/database"
	"sitesnap/internal/snap"
)

// LockFile is the name of the writer lock inside the cache directory.
const LockFile = "cache.lock"

// NewCacheFromConfig creates a Cache based on the cache config type.
func NewCacheFromConfig(cfg config.CacheConfig, clock snap.Clock, logger snap.Logger) (*Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryCache(clock, logger)
	case "filesystem":
		if cfg.CacheDir == "" {
			return nil, fmt.Errorf("filesystem cache requires cache_dir to be set")
		}
		return newFilesystemCache(cfg, clock, logger)
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}

func newFilesystemCache(cfg config.CacheConfig, clock snap.Clock, logger snap.Logger) (*Cache, error) {
	store, err := newFSStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	lock, err := newFileLock(filepath.Join(cfg.CacheDir, LockFile))
	if err != nil {
		return nil, err
	}
	// Migrations run under the lock so two processes never migrate at once.
	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, err
	}
	index, err := database.NewIndexFromConfig(cfg)
	if err == nil {
		if err = index.CheckMigrations(); err != nil {
			index.Close()
		}
	}
	lock.Unlock()
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}
	c := newCache(index, store, lock, clock, logger)
	c.logger.Debug("cache opened", "index", index.Path())
	return c, nil
}
