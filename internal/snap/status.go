package snap

import (
	"context"
	"errors"
	"sync/atomic"

	"sitesnap/internal/model"
)

// SnapshotStatus describes where a snapshot lives.
type SnapshotStatus struct {
	ID         string
	Cached     bool
	PushedTo   []string
	Repository string

	// Registered reports that Repository holds a record under ID.
	// Conflict is set when that record has different content.
	Registered bool
	Conflict   bool

	// Pushed reports that the cached entry records a push to Repository.
	Pushed bool

	// MissingBlocks counts cached blocks the repository lacks. Only computed
	// for cached snapshots that are not registered yet.
	MissingBlocks int
}

// Status compares the cached snapshot id with the named repository.
// An empty repository selects the default; with no repository configured
// only the local side is reported.
func (s *Service) Status(ctx context.Context, id, repository string) (*SnapshotStatus, error) {
	fail := func(err error) (*SnapshotStatus, error) {
		return nil, &OpError{Op: "status", ID: id, Repository: repository, Err: err}
	}

	if err := ValidateSnapshotID(id); err != nil {
		return fail(err)
	}

	status := &SnapshotStatus{ID: id}
	snapshot, err := s.cache.Load(id)
	switch {
	case err == nil:
		status.Cached = true
		status.PushedTo = snapshot.PushedTo
	case !errors.Is(err, ErrSnapshotNotFoundLocally):
		return fail(err)
	}

	if s.repos == nil {
		return status, nil
	}
	repo, err := s.repos.Resolve(repository)
	if errors.Is(err, ErrRepositoryNotConfigured) && repository == "" {
		return status, nil
	}
	if err != nil {
		return fail(err)
	}
	status.Repository = repo.Name()
	status.Pushed = snapshot != nil && snapshot.IsPushedTo(repo.Name())

	record, err := s.fetchMetadata(ctx, repo, id)
	switch {
	case err == nil:
		status.Registered = true
		status.Conflict = snapshot != nil && record.ContentHash != snapshot.ContentHash()
		return status, nil
	case !errors.Is(err, ErrSnapshotNotFoundRemote):
		return fail(err)
	}

	if snapshot == nil {
		return status, nil
	}
	var missing atomic.Int64
	err = forEach(ctx, s.policy.workers(), snapshot.Blocks(), func(ctx context.Context, ref model.BlockRef) error {
		return s.retry.do(ctx, "has block", func() error {
			has, err := repo.HasBlock(ctx, ref.Hash)
			if err == nil && !has {
				missing.Add(1)
			}
			return err
		})
	})
	if err != nil {
		return fail(err)
	}
	status.MissingBlocks = int(missing.Load())
	return status, nil
}
