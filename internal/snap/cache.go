package snap

import (
	"io"

	"sitesnap/internal/model"
)

// LocalCache persists packaged snapshots and their content blocks on this host.
// Snapshot entries are written atomically: an entry is either absent or complete.
type LocalCache interface {
	// IsCached reports whether a complete entry exists for id.
	IsCached(id string) (bool, error)

	// Save stores the snapshot entry. Saving an id that is already cached with
	// the same content hash is a no-op; different content fails with ErrCacheConflict.
	// Every block the snapshot references must already be stored.
	Save(snapshot *model.Snapshot) error

	// Load returns the cached snapshot, or ErrSnapshotNotFoundLocally.
	Load(id string) (*model.Snapshot, error)

	// List returns all cached snapshots, newest first.
	List() ([]*model.Snapshot, error)

	// MarkPushed records a successful registration of id with repository.
	MarkPushed(id, repository string) error

	// HasBlock reports whether a block is stored.
	HasBlock(hash string) (bool, error)

	// StoreBlock reads r, computes its SHA-256 and stores the content.
	// Content already present is deduplicated; created reports whether new
	// content was written.
	StoreBlock(r io.Reader) (ref model.BlockRef, created bool, err error)

	// WriteBlock stores a block whose hash is known in advance. fill writes the
	// payload; the block is committed only if the written bytes match ref.
	WriteBlock(ref model.BlockRef, fill func(w io.Writer) error) error

	// OpenBlock returns a reader for a stored block.
	OpenBlock(hash string) (io.ReadCloser, error)
}
