package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rcrowley/go-metrics"

	"sitesnap/internal/cache"
	"sitesnap/internal/config"
	"sitesnap/internal/database"
	"sitesnap/internal/dbexport"
	"sitesnap/internal/encryption"
	"sitesnap/internal/fs"
	"sitesnap/internal/model"
	"sitesnap/internal/repository"
	"sitesnap/internal/scrub"
	"sitesnap/internal/snap"
)

// Options configures how the app talks to the terminal.
type Options struct {
	// Passphrase reads the private key passphrase. Encrypted repositories call
	// it once, the first time a block is fetched.
	Passphrase func() (string, error)

	// Console receives log records in addition to the log file. Nil means file only.
	Console io.Writer
	Level   slog.Leveler
}

// SitesnapApp is the application layer between the CLI and snap.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw flag values, and records the operation in the cache index on Close.
type SitesnapApp struct {
	cfg     *config.Config
	cache   *cache.Cache
	repos   *repository.Set
	fsmgr   *fs.OSFilesystemManager
	service *snap.Service
	clock   snap.Clock
	logger  snap.Logger
	metrics metrics.Registry
	op      *Operation
	logFile *os.File
}

// NewSitesnapApp creates a fully wired SitesnapApp from the given config.
// operation identifies the CLI command being run (e.g. "Push", "Pull").
// The caller must call Close when done.
func NewSitesnapApp(cfg *config.Config, operation string, opts Options) (*SitesnapApp, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.LogDir, opID, opts.Level, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}
	clock := snap.RealClock{}

	c, err := cache.NewCacheFromConfig(cfg.Cache, clock, logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	repoOpts := repository.Options{Logger: logger}
	if needsEncryption(cfg) {
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			c.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		repoOpts.Encryptor = enc
		repoOpts.Unlock = unlocker(enc, opts.Passphrase)
	}
	repos := repository.NewSet(cfg.Repositories, repoOpts)

	registry := metrics.NewRegistry()
	policy := cfg.TransferPolicy()
	fsmgr := fs.NewOSFilesystemManager(logger)
	prefix := cfg.Database.TablePrefix
	if prefix == "" {
		prefix = config.DefaultTablePrefix
	}
	packager := snap.NewPackager(fsmgr, c, scrub.NewWordPress(prefix), logger, policy, registry)
	svc := snap.NewService(c, repos, packager, logger, clock, snap.UUIDGenerator{}, policy, registry)

	return &SitesnapApp{
		cfg:     cfg,
		cache:   c,
		repos:   repos,
		fsmgr:   fsmgr,
		service: svc,
		clock:   clock,
		logger:  logger,
		metrics: registry,
		op:      NewOperation(operation),
		logFile: logFile,
	}, nil
}

func needsEncryption(cfg *config.Config) bool {
	for _, r := range cfg.Repositories {
		if r.Encrypt {
			return true
		}
	}
	return false
}

// unlocker reads the passphrase and unlocks the private key.
func unlocker(enc snap.Encryptor, passphrase func() (string, error)) repository.Unlocker {
	return func() (snap.DecryptionContext, error) {
		if passphrase == nil {
			return nil, errors.New("encrypted repository needs a passphrase but none can be read")
		}
		p, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return enc.Unlock(p)
	}
}

// persistOperation saves the operation to the cache index, giving it an auto-increment ID.
// This should only be called for mutating commands.
func (a *SitesnapApp) persistOperation(params ...string) error {
	if a.op.Persisted() {
		return nil
	}
	if len(params) > 0 {
		a.op.Parameters = NewOperation(a.op.Operation, params...).Parameters
	}
	id, err := a.cache.Index().CreateOperation(a.op.Operation, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// SnapshotRequest carries the packaging flags of create and push.
type SnapshotRequest struct {
	Path        string // site root; empty means the working directory
	Project     string
	Description string
	Repository  string

	Exclude        []string
	ExcludeUploads bool
	NoScrub        bool
	Small          bool
	Confirmed      bool // the user accepted that small mode trims the local database

	// Database connection overrides. Empty fields fall back to the config.
	DBHost     string
	DBName     string
	DBUser     string
	DBPassword string
}

func (a *SitesnapApp) databaseConfig(req SnapshotRequest) config.DatabaseConfig {
	db := a.cfg.Database
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&db.Host, req.DBHost)
	override(&db.Name, req.DBName)
	override(&db.User, req.DBUser)
	override(&db.Password, req.DBPassword)
	return db
}

// createOptions resolves req against the config. The returned closer releases
// the database connection.
func (a *SitesnapApp) createOptions(req SnapshotRequest) (snap.CreateOptions, func(), error) {
	root := req.Path
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return snap.CreateOptions{}, nil, fmt.Errorf("resolving path: %w", err)
	}

	ignored, err := fs.IgnorePatterns(absRoot)
	if err != nil {
		return snap.CreateOptions{}, nil, err
	}
	exclude := append(append(append([]string{}, a.cfg.Filesystem.Exclude...), ignored...), req.Exclude...)

	sampleRows, maxValue := a.cfg.Small.SampleRows, a.cfg.Small.MaxValueBytes
	if sampleRows <= 0 {
		sampleRows = config.DefaultSampleRows
	}
	if maxValue <= 0 {
		maxValue = config.DefaultMaxValueBytes
	}

	opts := snap.CreateOptions{
		Project:          req.Project,
		Description:      req.Description,
		Author:           a.cfg.Author,
		Root:             absRoot,
		Exclude:          exclude,
		ExcludeUploads:   req.ExcludeUploads,
		UploadsDirs:      a.cfg.UploadsDirs(),
		Repository:       req.Repository,
		NoScrub:          req.NoScrub,
		Small:            req.Small,
		AllowDestructive: req.Confirmed,
		SampleRows:       sampleRows,
		MaxValueBytes:    maxValue,
	}

	closer := func() {}
	db := a.databaseConfig(req)
	if db.Configured() {
		exporter, err := dbexport.Open(db, a.logger)
		if err != nil {
			return snap.CreateOptions{}, nil, err
		}
		opts.Exporter = exporter
		closer = func() { exporter.Close() }
	}
	return opts, closer, nil
}

// validate rejects bad input before the operation touches the cache index.
func validate(op, id string, req SnapshotRequest) error {
	var err error
	if id != "" {
		err = snap.ValidateSnapshotID(id)
	} else if err = snap.ValidateSlug(req.Project); err == nil {
		err = snap.ValidateDescription(req.Description)
	}
	if err != nil {
		return &snap.OpError{Op: op, ID: id, Repository: req.Repository, Err: err}
	}
	return nil
}

// Create packages the site into the local cache without pushing it.
func (a *SitesnapApp) Create(ctx context.Context, req SnapshotRequest) (*model.Snapshot, error) {
	if err := validate("create", "", req); err != nil {
		return nil, a.op.Record(err)
	}
	if err := a.persistOperation(req.Project); err != nil {
		return nil, err
	}
	opts, closeDB, err := a.createOptions(req)
	if err != nil {
		return nil, a.op.Record(err)
	}
	defer closeDB()
	snapshot, err := a.service.Create(ctx, opts)
	return snapshot, a.op.Record(err)
}

// Push pushes the cached snapshot id, or creates one from req first when id is empty.
func (a *SitesnapApp) Push(ctx context.Context, id string, req SnapshotRequest) (*snap.PushResult, error) {
	if err := validate("push", id, req); err != nil {
		return nil, a.op.Record(err)
	}
	if err := a.persistOperation(id, req.Repository); err != nil {
		return nil, err
	}
	popts := snap.PushOptions{ID: id, Repository: req.Repository}
	if id == "" {
		opts, closeDB, err := a.createOptions(req)
		if err != nil {
			return nil, a.op.Record(err)
		}
		defer closeDB()
		popts.Create = opts
	}
	result, err := a.service.Push(ctx, popts)
	return result, a.op.Record(err)
}

// Pull fetches snapshot id from the repository into the local cache.
func (a *SitesnapApp) Pull(ctx context.Context, id, repository string) (*snap.PullResult, error) {
	if err := validate("pull", id, SnapshotRequest{Repository: repository}); err != nil {
		return nil, a.op.Record(err)
	}
	if err := a.persistOperation(id, repository); err != nil {
		return nil, err
	}
	result, err := a.service.Pull(ctx, snap.PullOptions{ID: id, Repository: repository})
	return result, a.op.Record(err)
}

// Checkout writes cached snapshot id into dest.
func (a *SitesnapApp) Checkout(ctx context.Context, id, rawDest string) (*snap.CheckoutResult, error) {
	dest, err := filepath.Abs(rawDest)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	return a.service.Checkout(ctx, id, dest)
}

// Status reports where snapshot id lives.
func (a *SitesnapApp) Status(ctx context.Context, id, repository string) (*snap.SnapshotStatus, error) {
	return a.service.Status(ctx, id, repository)
}

// List returns the cached snapshots, newest first.
func (a *SitesnapApp) List() ([]*model.Snapshot, error) {
	return a.service.List()
}

// Prune removes cache blocks no snapshot references.
func (a *SitesnapApp) Prune() (int, int64, error) {
	if err := a.persistOperation(); err != nil {
		return 0, 0, err
	}
	removed, bytes, err := a.cache.Prune()
	return removed, bytes, a.op.Record(err)
}

// History returns the most recent recorded operations.
func (a *SitesnapApp) History(limit int) ([]*database.Operation, error) {
	return a.cache.Index().ListOperations(limit)
}

// Metrics returns the transfer counters of this run.
func (a *SitesnapApp) Metrics() metrics.Registry { return a.metrics }

// Close finalizes the operation record and closes all resources.
func (a *SitesnapApp) Close() error {
	var firstErr error
	if a.op.Persisted() {
		if err := a.cache.Index().FinishOperation(a.op.ID, a.op.Status, a.clock.Now()); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.cache.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing cache: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// SetupKeys generates the age key pair protected by passphrase.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	if enc.IsConfigured() {
		return fmt.Errorf("keys already exist at %s", cfg.Encryption.PrivateKeyPath)
	}
	return enc.Setup(passphrase)
}
