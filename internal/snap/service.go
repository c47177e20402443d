package snap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"

	"sitesnap/internal/model"
)

// Service is the orchestration layer behind the CLI. It builds snapshots into
// the LocalCache and synchronizes them with repositories.
type Service struct {
	cache    LocalCache
	repos    RepositoryResolver
	packager *Packager
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	policy   TransferPolicy
	retry    *retrier
	metrics  metrics.Registry
}

// NewService creates a Service with the provided dependencies.
// registry may be nil, in which case a private registry is used.
func NewService(cache LocalCache, repos RepositoryResolver, packager *Packager, logger Logger, clock Clock, idgen IDGenerator, policy TransferPolicy, registry metrics.Registry) *Service {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Service{
		cache:    cache,
		repos:    repos,
		packager: packager,
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		policy:   policy,
		retry:    newRetrier(policy, logger),
		metrics:  registry,
	}
}

// Metrics returns the registry transfer counters are recorded in.
func (s *Service) Metrics() metrics.Registry { return s.metrics }

// CreateOptions describes a snapshot to build.
type CreateOptions struct {
	Project     string
	Description string
	Author      string

	Root           string
	Exclude        []string
	ExcludeUploads bool
	UploadsDirs    []string

	// Repository is recorded as the snapshot's owning repository.
	// Empty means the default repository, when one is configured.
	Repository string

	Exporter Exporter // nil when the site has no database
	NoScrub  bool

	// Small samples and truncates the database export and deletes the dropped
	// rows from the local database. It requires AllowDestructive.
	Small            bool
	AllowDestructive bool
	SampleRows       int
	MaxValueBytes    int
}

// Create validates opts, packages the site and saves the snapshot in the LocalCache.
// Validation happens before any I/O and before an id is allocated.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*model.Snapshot, error) {
	snapshot, _, err := s.create(ctx, opts)
	return snapshot, err
}

func (s *Service) create(ctx context.Context, opts CreateOptions) (*model.Snapshot, *Machine, error) {
	if err := ValidateSlug(opts.Project); err != nil {
		return nil, nil, &OpError{Op: "create", Err: err}
	}
	if err := ValidateDescription(opts.Description); err != nil {
		return nil, nil, &OpError{Op: "create", Err: err}
	}
	if opts.Small && !opts.AllowDestructive {
		return nil, nil, &OpError{Op: "create", Err: ErrSmallNotConfirmed}
	}

	m := NewMachine(StateCreated)
	id := s.idgen.New()
	s.logger.Info("create started", "id", id, "project", opts.Project, "root", opts.Root)
	if opts.Small && opts.Exporter != nil {
		s.logger.Warn("small mode deletes rows from the local database; later snapshots capture the trimmed data", "id", id)
	}

	scrub := !opts.NoScrub && opts.Exporter != nil
	if opts.Exporter != nil && opts.NoScrub {
		s.logger.Warn("scrubbing disabled; the snapshot contains unmodified personal data", "id", id)
	}

	result, err := s.packager.Package(ctx, PackageRequest{
		Root:     opts.Root,
		Filter:   NewExclusionFilter(opts.Exclude, opts.ExcludeUploads, opts.UploadsDirs...),
		Exporter: opts.Exporter,
		Scrub:    scrub,
		Export: ExportOptions{
			Small:         opts.Small,
			SampleRows:    opts.SampleRows,
			MaxValueBytes: opts.MaxValueBytes,
			PruneSource:   opts.Small,
		},
	})
	if err != nil {
		return nil, m, &OpError{Op: "create", ID: id, Err: err}
	}

	snapshot := &model.Snapshot{
		ID:          id,
		Project:     opts.Project,
		Description: opts.Description,
		Author:      opts.Author,
		CreatedAt:   s.clock.Now(),
		Repository:  s.owningRepository(opts.Repository),
		Scrubbed:    scrub,
		Small:       opts.Small,
		Size:        result.Manifest.Size(),
		Manifest:    result.Manifest,
		Database:    result.Database,
	}
	if result.Database != nil {
		snapshot.Size += result.Database.Size
	}

	if err := s.cache.Save(snapshot); err != nil {
		return nil, m, &OpError{Op: "create", ID: id, Err: fmt.Errorf("saving to cache: %w", err)}
	}
	if err := m.To(StatePackaged); err != nil {
		return nil, m, err
	}

	s.logger.Info("snapshot created", "id", id, "files", result.Files, "size", snapshot.Size)
	return snapshot, m, nil
}

func (s *Service) owningRepository(name string) string {
	if name != "" || s.repos == nil {
		return name
	}
	repo, err := s.repos.Resolve("")
	if err != nil {
		return ""
	}
	return repo.Name()
}

// PushOptions selects the snapshot to push. An empty ID creates one from Create first.
type PushOptions struct {
	ID         string
	Repository string
	Create     CreateOptions
}

// PushResult summarizes a push.
type PushResult struct {
	ID         string
	Repository string
	Uploaded   int
	Skipped    int
	Bytes      int64
	State      State
	History    []State
}

// Push uploads the blocks the repository lacks and registers the snapshot.
// Re-running a push after a failure only transfers what is still missing.
func (s *Service) Push(ctx context.Context, opts PushOptions) (*PushResult, error) {
	if s.repos == nil {
		return nil, &OpError{Op: "push", ID: opts.ID, Repository: opts.Repository, Err: ErrRepositoryNotConfigured}
	}
	repo, err := s.repos.Resolve(opts.Repository)
	if err != nil {
		return nil, &OpError{Op: "push", ID: opts.ID, Repository: opts.Repository, Err: err}
	}

	var snapshot *model.Snapshot
	var m *Machine
	if opts.ID == "" {
		create := opts.Create
		if create.Repository == "" {
			create.Repository = repo.Name()
		}
		snapshot, m, err = s.create(ctx, create)
		if err != nil {
			return nil, err
		}
		if err := m.To(StateFreshlyPackaged); err != nil {
			return nil, err
		}
	} else {
		snapshot, err = s.cache.Load(opts.ID)
		if err != nil {
			return nil, &OpError{Op: "push", ID: opts.ID, Repository: repo.Name(), Err: err}
		}
		m = NewMachine(StatePackaged)
		if err := m.To(StateLocallyExisting); err != nil {
			return nil, err
		}
	}

	result := &PushResult{ID: snapshot.ID, Repository: repo.Name()}
	attempts := s.policy.pushAttempts()
	for attempt := 1; ; attempt++ {
		if err := m.To(StateRegistering); err != nil {
			return nil, err
		}
		err = s.push(ctx, repo, snapshot, result)
		if err == nil {
			break
		}
		m.Fail()
		if attempt >= attempts || isPermanent(err) || ctx.Err() != nil {
			result.State = m.State()
			result.History = m.History()
			return result, &OpError{Op: "push", ID: snapshot.ID, Repository: repo.Name(), Err: err}
		}
		s.logger.Warn("push failed, resuming", "id", snapshot.ID, "repository", repo.Name(), "attempt", attempt, "error", err)
	}

	if err := s.cache.MarkPushed(snapshot.ID, repo.Name()); err != nil {
		return nil, &OpError{Op: "push", ID: snapshot.ID, Repository: repo.Name(), Err: fmt.Errorf("recording push: %w", err)}
	}
	if err := m.To(StatePushed); err != nil {
		return nil, err
	}
	result.State = m.State()
	result.History = m.History()

	s.logger.Info("push complete", "id", snapshot.ID, "repository", repo.Name(),
		"uploaded", result.Uploaded, "skipped", result.Skipped, "bytes", result.Bytes)
	return result, nil
}

// push runs the network phase once: conflict pre-check, block sync, register.
func (s *Service) push(ctx context.Context, repo Repository, snapshot *model.Snapshot, result *PushResult) error {
	record := model.NewRecord(snapshot)

	existing, err := s.fetchMetadata(ctx, repo, snapshot.ID)
	switch {
	case err == nil && existing.ContentHash == record.ContentHash:
		s.logger.Info("snapshot already registered", "id", snapshot.ID, "repository", repo.Name())
		result.Skipped += len(snapshot.Blocks())
		counter(s.metrics, MetricBlocksSkipped).Inc(int64(len(snapshot.Blocks())))
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s is registered with content %s", ErrRemoteConflict, snapshot.ID, existing.ContentHash)
	case !errors.Is(err, ErrSnapshotNotFoundRemote):
		return err
	}

	if err := s.syncBlocks(ctx, repo, snapshot.Blocks(), result); err != nil {
		return err
	}
	return s.register(ctx, repo, record)
}

func (s *Service) syncBlocks(ctx context.Context, repo Repository, blocks []model.BlockRef, result *PushResult) error {
	var uploaded, skipped, bytes atomic.Int64
	err := forEach(ctx, s.policy.workers(), blocks, func(ctx context.Context, ref model.BlockRef) error {
		var has bool
		err := s.retry.do(ctx, "has block", func() error {
			var err error
			has, err = repo.HasBlock(ctx, ref.Hash)
			return err
		})
		if err != nil {
			return err
		}
		if has {
			skipped.Add(1)
			return nil
		}

		err = s.retry.do(ctx, "put block", func() error {
			r, err := s.cache.OpenBlock(ref.Hash)
			if err != nil {
				return fmt.Errorf("%w: opening cached block %s: %w", ErrPackaging, ref.Hash, err)
			}
			defer r.Close()
			return repo.PutBlock(ctx, ref.Hash, r, ref.Size)
		})
		if err != nil {
			return err
		}
		uploaded.Add(1)
		bytes.Add(ref.Size)
		s.logger.Debug("block uploaded", "hash", ref.Hash, "size", ref.Size)
		return nil
	})

	result.Uploaded += int(uploaded.Load())
	result.Skipped += int(skipped.Load())
	result.Bytes += bytes.Load()
	counter(s.metrics, MetricBlocksUploaded).Inc(uploaded.Load())
	counter(s.metrics, MetricBlocksSkipped).Inc(skipped.Load())
	counter(s.metrics, MetricBytesUploaded).Inc(bytes.Load())
	return err
}

// register publishes record. After an ambiguous failure the remote record is
// re-checked before trying again, so a registration that actually landed is
// never repeated.
func (s *Service) register(ctx context.Context, repo Repository, record *model.Record) error {
	id := record.Snapshot.ID
	return s.retry.do(ctx, "register", func() error {
		err := repo.Register(ctx, record)
		if err == nil || isPermanent(err) {
			return err
		}

		existing, ferr := repo.FetchMetadata(ctx, id)
		switch {
		case ferr == nil && existing.ContentHash == record.ContentHash:
			s.logger.Info("registration landed despite error", "id", id, "error", err)
			return nil
		case ferr == nil:
			return fmt.Errorf("%w: %s was registered concurrently with content %s", ErrRemoteConflict, id, existing.ContentHash)
		default:
			return err
		}
	})
}

func (s *Service) fetchMetadata(ctx context.Context, repo Repository, id string) (*model.Record, error) {
	var record *model.Record
	err := s.retry.do(ctx, "fetch metadata", func() error {
		var err error
		record, err = repo.FetchMetadata(ctx, id)
		return err
	})
	return record, err
}

// PullOptions selects the snapshot to fetch.
type PullOptions struct {
	ID         string
	Repository string
}

// PullResult summarizes a pull.
type PullResult struct {
	ID         string
	Repository string
	Fetched    int
	Reused     int
	Bytes      int64
	Snapshot   *model.Snapshot
}

// Pull fetches a registered snapshot and the blocks the LocalCache lacks,
// then saves it to the LocalCache.
func (s *Service) Pull(ctx context.Context, opts PullOptions) (*PullResult, error) {
	if s.repos == nil {
		return nil, &OpError{Op: "pull", ID: opts.ID, Repository: opts.Repository, Err: ErrRepositoryNotConfigured}
	}
	if err := ValidateSnapshotID(opts.ID); err != nil {
		return nil, &OpError{Op: "pull", ID: opts.ID, Err: err}
	}
	repo, err := s.repos.Resolve(opts.Repository)
	if err != nil {
		return nil, &OpError{Op: "pull", ID: opts.ID, Repository: opts.Repository, Err: err}
	}
	fail := func(err error) (*PullResult, error) {
		return nil, &OpError{Op: "pull", ID: opts.ID, Repository: repo.Name(), Err: err}
	}

	s.logger.Info("pull started", "id", opts.ID, "repository", repo.Name())
	record, err := s.fetchMetadata(ctx, repo, opts.ID)
	if err != nil {
		return fail(err)
	}
	snapshot, err := verifyRecord(opts.ID, record)
	if err != nil {
		return fail(err)
	}

	var fetched, reused, bytes atomic.Int64
	err = forEach(ctx, s.policy.workers(), snapshot.Blocks(), func(ctx context.Context, ref model.BlockRef) error {
		has, err := s.cache.HasBlock(ref.Hash)
		if err != nil {
			return fmt.Errorf("checking cache for %s: %w", ref.Hash, err)
		}
		if has {
			reused.Add(1)
			return nil
		}
		err = s.retry.do(ctx, "fetch block", func() error {
			return s.cache.WriteBlock(ref, func(w io.Writer) error {
				return repo.FetchBlock(ctx, ref.Hash, w)
			})
		})
		if err != nil {
			return err
		}
		fetched.Add(1)
		bytes.Add(ref.Size)
		s.logger.Debug("block fetched", "hash", ref.Hash, "size", ref.Size)
		return nil
	})
	counter(s.metrics, MetricBlocksFetched).Inc(fetched.Load())
	counter(s.metrics, MetricBlocksReused).Inc(reused.Load())
	counter(s.metrics, MetricBytesFetched).Inc(bytes.Load())
	if err != nil {
		return fail(err)
	}

	if err := s.cache.Save(snapshot); err != nil {
		return fail(fmt.Errorf("saving to cache: %w", err))
	}
	if err := s.cache.MarkPushed(snapshot.ID, repo.Name()); err != nil {
		return fail(fmt.Errorf("recording repository: %w", err))
	}

	result := &PullResult{
		ID:         snapshot.ID,
		Repository: repo.Name(),
		Fetched:    int(fetched.Load()),
		Reused:     int(reused.Load()),
		Bytes:      bytes.Load(),
		Snapshot:   snapshot,
	}
	s.logger.Info("pull complete", "id", snapshot.ID, "repository", repo.Name(),
		"fetched", result.Fetched, "reused", result.Reused, "bytes", result.Bytes)
	return result, nil
}

// verifyRecord checks that a fetched record describes id and matches its content hash.
func verifyRecord(id string, record *model.Record) (*model.Snapshot, error) {
	if record == nil || record.Snapshot == nil {
		return nil, fmt.Errorf("record for %s has no snapshot", id)
	}
	if record.Format != model.RecordFormat {
		return nil, fmt.Errorf("record for %s has unsupported format %d", id, record.Format)
	}
	snapshot := record.Snapshot
	if snapshot.ID != id {
		return nil, fmt.Errorf("record for %s describes snapshot %s", id, snapshot.ID)
	}
	if got := snapshot.ContentHash(); got != record.ContentHash {
		return nil, fmt.Errorf("record for %s is corrupt: content hash %s, expected %s", id, got, record.ContentHash)
	}
	if err := snapshot.Manifest.Validate(); err != nil {
		return nil, fmt.Errorf("record for %s: %w", id, err)
	}
	return snapshot, nil
}

// List returns the cached snapshots, newest first.
func (s *Service) List() ([]*model.Snapshot, error) {
	snapshots, err := s.cache.List()
	if err != nil {
		return nil, &OpError{Op: "list", Err: err}
	}
	return snapshots, nil
}
