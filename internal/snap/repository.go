package snap

import (
	"context"
	"io"

	"sitesnap/internal/model"
)

// Repository is a named remote store of content blocks and snapshot records.
// Implementations hold no local state; everything they answer comes from the remote side.
type Repository interface {
	// Name returns the configured repository name.
	Name() string

	// Exists reports whether a snapshot id is registered.
	Exists(ctx context.Context, id string) (bool, error)

	// HasBlock reports whether a block with the given hash is stored.
	HasBlock(ctx context.Context, hash string) (bool, error)

	// PutBlock stores size bytes read from r under hash.
	// Storing a hash that is already present is a no-op.
	PutBlock(ctx context.Context, hash string, r io.Reader, size int64) error

	// FetchBlock writes the block with the given hash to w.
	// Returns ErrBlockNotFound if the block is absent.
	FetchBlock(ctx context.Context, hash string, w io.Writer) error

	// Register publishes record under record.Snapshot.ID. The first registration
	// of an id wins: a later one with the same content hash is a no-op, one with a
	// different content hash fails with ErrRemoteConflict and changes nothing.
	Register(ctx context.Context, record *model.Record) error

	// FetchMetadata returns the record registered under id.
	// Returns ErrSnapshotNotFoundRemote if the id is not registered.
	FetchMetadata(ctx context.Context, id string) (*model.Record, error)

	// ValidateSetup verifies that the repository is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

// RepositoryResolver selects a configured repository by name.
// An empty name selects the default repository.
type RepositoryResolver interface {
	Resolve(name string) (Repository, error)
}
