package repository

import (
	"context"
	"fmt"
	"sync"

	"sitesnap/internal/config"
	"sitesnap/internal/snap"
)

// Options carries what backends need beyond their own config block.
type Options struct {
	Encryptor snap.Encryptor // required when any repository has encrypt = true
	Unlock    Unlocker
	Client    Client // http client; defaults to MakePesterClient
	Logger    snap.Logger
}

// NewRepositoryFromConfig creates a Repository implementation based on the repository config type.
func NewRepositoryFromConfig(ctx context.Context, cfg config.RepositoryConfig, opts Options) (snap.Repository, error) {
	repo, err := newBackend(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if !cfg.Encrypt {
		return repo, nil
	}
	if opts.Encryptor == nil {
		return nil, fmt.Errorf("repository %s has encrypt = true but no encryptor is configured", cfg.Name)
	}
	return NewSealedRepository(repo, opts.Encryptor, opts.Unlock), nil
}

func newBackend(ctx context.Context, cfg config.RepositoryConfig, opts Options) (snap.Repository, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRepository(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem repository requires fs_root to be set")
		}
		return NewFileSystemRepository(cfg.Name, cfg.FSRoot)
	case "s3":
		return NewS3Repository(ctx, cfg)
	case "http":
		client := opts.Client
		if client == nil {
			client = MakePesterClient(opts.Logger)
		}
		return NewHTTPRepository(cfg.Name, cfg.URL, cfg.Token, client)
	default:
		return nil, fmt.Errorf("unknown repository type: %s", cfg.Type)
	}
}

// Set resolves configured repositories by name. The first one is the default.
// Backends are built on first use, so an unused s3 repository does not need
// working credentials.
type Set struct {
	mu      sync.Mutex
	configs []config.RepositoryConfig
	opts    Options
	built   map[string]snap.Repository
}

var _ snap.RepositoryResolver = (*Set)(nil)

// NewSet creates a resolver over configs.
func NewSet(configs []config.RepositoryConfig, opts Options) *Set {
	return &Set{configs: configs, opts: opts, built: make(map[string]snap.Repository)}
}

// Resolve returns the repository called name, or the default for an empty name.
func (s *Set) Resolve(name string) (snap.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := (&config.Config{Repositories: s.configs}).ResolveRepository(name)
	if err != nil {
		return nil, err
	}
	if repo, ok := s.built[cfg.Name]; ok {
		return repo, nil
	}
	// Only AWS config loading uses the context; it reads local files and env.
	repo, err := NewRepositoryFromConfig(context.Background(), cfg, s.opts)
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", cfg.Name, err)
	}
	s.built[cfg.Name] = repo
	return repo, nil
}

// Add registers an already built repository, replacing any config of the same name.
// New names are appended, so the first repository stays the default.
func (s *Set) Add(repo snap.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, c := range s.configs {
		if c.Name == repo.Name() {
			found = true
		}
	}
	if !found {
		s.configs = append(s.configs, config.RepositoryConfig{Name: repo.Name(), Type: "memory"})
	}
	s.built[repo.Name()] = repo
}
