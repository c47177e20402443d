// Package cache is the local snapshot cache: content blocks plus a SQLite index.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"sitesnap/internal/database"
	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

// PruneGrace protects recently written blocks from Prune, because a concurrent
// create stores blocks before it saves the snapshot that references them.
const PruneGrace = time.Hour

// Cache implements snap.LocalCache.
type Cache struct {
	index  *database.SQLiteIndex
	store  blockStore
	lock   locker
	clock  snap.Clock
	logger snap.Logger
}

var _ snap.LocalCache = (*Cache)(nil)

func newCache(index *database.SQLiteIndex, store blockStore, lock locker, clock snap.Clock, logger snap.Logger) *Cache {
	if clock == nil {
		clock = snap.RealClock{}
	}
	if logger == nil {
		logger = snap.NewNopLogger()
	}
	return &Cache{index: index, store: store, lock: lock, clock: clock, logger: logger}
}

// NewMemoryCache creates a cache that lives only as long as the process.
func NewMemoryCache(clock snap.Clock, logger snap.Logger) (*Cache, error) {
	index, err := database.NewSQLiteIndex(":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	return newCache(index, newMemoryStore(), &mutexLock{}, clock, logger), nil
}

// Index exposes the snapshot index, which also records CLI operations.
func (c *Cache) Index() *database.SQLiteIndex { return c.index }

// IsCached reports whether a complete entry exists for id.
func (c *Cache) IsCached(id string) (bool, error) {
	s, err := c.index.FindSnapshot(id)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// Save stores the snapshot entry in one index transaction. Every referenced
// block must already be stored. The check runs under the lock so a concurrent
// Prune cannot remove a block between the check and the index write.
func (c *Cache) Save(snapshot *model.Snapshot) error {
	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	for _, ref := range snapshot.Blocks() {
		ok, err := c.store.Has(ref.Hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: snapshot %s references missing block %s", snap.ErrBlockNotFound, snapshot.ID, ref.Hash)
		}
	}

	created, err := c.index.SaveSnapshot(snapshot)
	if err != nil {
		return err
	}
	if created {
		c.logger.Debug("snapshot cached", "id", snapshot.ID, "entries", len(snapshot.Manifest.Entries))
	}
	return nil
}

// Load returns the cached snapshot, or ErrSnapshotNotFoundLocally.
func (c *Cache) Load(id string) (*model.Snapshot, error) {
	s, err := c.index.FindSnapshot(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundLocally, id)
	}
	return s, nil
}

// List returns all cached snapshots, newest first.
func (c *Cache) List() ([]*model.Snapshot, error) {
	return c.index.ListSnapshots()
}

// MarkPushed records a successful registration of id with repository.
func (c *Cache) MarkPushed(id, repository string) error {
	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()
	return c.index.MarkPushed(id, repository, c.clock.Now())
}

// HasBlock reports whether a block is stored.
func (c *Cache) HasBlock(hash string) (bool, error) {
	return c.store.Has(hash)
}

// StoreBlock hashes r while storing it. Content already present is deduplicated
// and its modification time refreshed, so PruneGrace covers reused blocks too.
func (c *Cache) StoreBlock(r io.Reader) (model.BlockRef, bool, error) {
	p, err := c.store.Create()
	if err != nil {
		return model.BlockRef{}, false, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(p, h), r)
	if err != nil {
		p.Abort()
		return model.BlockRef{}, false, fmt.Errorf("writing block: %w", err)
	}

	ref := model.BlockRef{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}
	created, err := p.Commit(ref.Hash)
	if err != nil {
		return model.BlockRef{}, false, err
	}
	return ref, created, nil
}

// WriteBlock stores the payload written by fill, committing it only if it matches ref.
func (c *Cache) WriteBlock(ref model.BlockRef, fill func(w io.Writer) error) error {
	p, err := c.store.Create()
	if err != nil {
		return err
	}
	w := &countingHash{w: p, h: sha256.New()}
	if err := fill(w); err != nil {
		p.Abort()
		return err
	}
	got := hex.EncodeToString(w.h.Sum(nil))
	if got != ref.Hash || w.n != ref.Size {
		p.Abort()
		return fmt.Errorf("block %s failed verification: got %s (%d bytes), want %d bytes", ref.Hash, got, w.n, ref.Size)
	}
	_, err = p.Commit(ref.Hash)
	return err
}

// OpenBlock returns a reader for a stored block.
func (c *Cache) OpenBlock(hash string) (io.ReadCloser, error) {
	return c.store.Open(hash)
}

// Prune removes blocks no cached snapshot references and that are older than
// PruneGrace. It returns the number of blocks and bytes removed.
func (c *Cache) Prune() (removed int, bytes int64, err error) {
	if err := c.lock.Lock(); err != nil {
		return 0, 0, err
	}
	defer c.lock.Unlock()

	refs, err := c.index.ReferencedBlocks()
	if err != nil {
		return 0, 0, err
	}
	blocks, err := c.store.List()
	if err != nil {
		return 0, 0, err
	}

	cutoff := c.clock.Now().Add(-PruneGrace)
	for _, b := range blocks {
		if refs[b.Hash] || b.ModTime.After(cutoff) {
			continue
		}
		if err := c.store.Remove(b.Hash); err != nil {
			return removed, bytes, err
		}
		removed++
		bytes += b.Size
		c.logger.Debug("block pruned", "hash", b.Hash, "size", b.Size)
	}
	c.logger.Info("cache pruned", "blocks", removed, "bytes", bytes)
	return removed, bytes, nil
}

// Close releases the index and the lock file.
func (c *Cache) Close() error {
	return errors.Join(c.index.Close(), c.lock.Close())
}

// countingHash hashes and counts bytes on their way to w.
type countingHash struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (c *countingHash) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.h.Write(b[:n])
	c.n += int64(n)
	return n, err
}
