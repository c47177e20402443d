package testutil

import (
	"testing"

	"sitesnap/internal/cache"
)

// NewTestCache creates an in-memory cache with a migrated SQLite index.
// The cache is automatically closed when the test completes.
func NewTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	c, err := cache.NewMemoryCache(FixedClock(), nil)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
	})

	return c
}
