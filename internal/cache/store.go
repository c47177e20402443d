package cache

import (
	"io"
	"time"
)

// blockStore abstracts where block payloads live. All methods are safe for
// concurrent use; writes become visible only on commit.
type blockStore interface {
	// Has reports whether a block is stored.
	Has(hash string) (bool, error)

	// Create starts a new pending block.
	Create() (pendingBlock, error)

	// Open returns a reader for a stored block, or an error matching
	// snap.ErrBlockNotFound.
	Open(hash string) (io.ReadCloser, error)

	// Remove deletes a block. Removing an absent block is a no-op.
	Remove(hash string) error

	// List returns every stored block with the time it was written.
	List() ([]storedBlock, error)
}

// pendingBlock collects a payload before it is committed under its hash.
type pendingBlock interface {
	io.Writer

	// Commit stores the payload under hash. If the hash is already present the
	// payload is discarded and created is false.
	Commit(hash string) (created bool, err error)

	// Abort discards the payload. Calling Abort after Commit is a no-op.
	Abort()
}

type storedBlock struct {
	Hash    string
	Size    int64
	ModTime time.Time
}
