package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"sitesnap/internal/snap"
)

// Config represents the main configuration for sitesnap.
type Config struct {
	Author       string             `toml:"author,omitempty"`
	BaseDir      string             `toml:"base_dir"`
	LogDir       string             `toml:"log_dir"`
	Repositories []RepositoryConfig `toml:"repositories"`
	Cache        CacheConfig        `toml:"cache"`
	Database     DatabaseConfig     `toml:"database"`
	Filesystem   FilesystemConfig   `toml:"filesystem"`
	Transfer     TransferConfig     `toml:"transfer"`
	Small        SmallConfig        `toml:"small"`
	Encryption   EncryptionConfig   `toml:"encryption"`
}

// RepositoryConfig describes a named remote repository.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RepositoryConfig struct {
	Name    string `toml:"name"`
	Type    string `toml:"type"` // "memory", "filesystem", "s3" or "http"
	Encrypt bool   `toml:"encrypt,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible stores; enables path-style addressing
	// Static credentials. When empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// HTTP-specific fields (only used when Type == "http")
	URL   string `toml:"url,omitempty"`
	Token string `toml:"token,omitempty"`
}

// CacheConfig represents configuration for the local snapshot cache.
type CacheConfig struct {
	Type     string `toml:"type"`                // "memory" or "filesystem"
	CacheDir string `toml:"cache_dir,omitempty"` // only used for type=filesystem
}

// DatabaseConfig holds the site database connection. An empty Name means the
// site has no database to export.
type DatabaseConfig struct {
	Driver      string `toml:"driver"` // "mysql" or "sqlite3"
	Host        string `toml:"host,omitempty"`
	Name        string `toml:"name,omitempty"` // database name, or file path for sqlite3
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	TablePrefix string `toml:"table_prefix,omitempty"`
}

// Configured reports whether a site database is set up.
func (c DatabaseConfig) Configured() bool { return c.Name != "" }

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Exclude    []string `toml:"exclude"`
	UploadsDir string   `toml:"uploads_dir,omitempty"`
}

// TransferConfig bounds concurrency and retries for network transfer.
type TransferConfig struct {
	Workers           int      `toml:"workers,omitempty"`
	MaxRetries        int      `toml:"max_retries,omitempty"`
	MaxElapsed        Duration `toml:"max_elapsed,omitempty"`
	RequestsPerSecond float64  `toml:"requests_per_second,omitempty"`
}

// SmallConfig sizes small-mode exports.
type SmallConfig struct {
	SampleRows    int `toml:"sample_rows"`
	MaxValueBytes int `toml:"max_value_bytes"`
}

// EncryptionConfig holds paths to the age key pair used to seal repository blocks.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Duration is a time.Duration written as a string such as "2m30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Defaults for small-mode exports.
const (
	DefaultSampleRows    = 300
	DefaultMaxValueBytes = 64 * 1024
	DefaultTablePrefix   = "wp_"
)

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(author, baseDir string) *Config {
	return &Config{
		Author:  author,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Cache: CacheConfig{
			Type:     "filesystem",
			CacheDir: filepath.Join(baseDir, "cache"),
		},
		Database: DatabaseConfig{
			Driver:      "mysql",
			Host:        "127.0.0.1:3306",
			TablePrefix: DefaultTablePrefix,
		},
		Filesystem: FilesystemConfig{
			UploadsDir: "wp-content/uploads",
		},
		Small: SmallConfig{
			SampleRows:    DefaultSampleRows,
			MaxValueBytes: DefaultMaxValueBytes,
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "sitesnap.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "sitesnap.key"),
		},
	}
}

// ResolveRepository picks the repository named name. An empty name selects the
// first configured repository, which is the default.
func (c *Config) ResolveRepository(name string) (RepositoryConfig, error) {
	if len(c.Repositories) == 0 {
		return RepositoryConfig{}, fmt.Errorf("%w: no repositories configured", snap.ErrRepositoryNotConfigured)
	}
	if name == "" {
		return c.Repositories[0], nil
	}
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, nil
		}
	}
	return RepositoryConfig{}, fmt.Errorf("%w: %q", snap.ErrRepositoryNotConfigured, name)
}

// TransferPolicy converts the transfer settings, filling unset values from
// snap.DefaultTransferPolicy.
func (c *Config) TransferPolicy() snap.TransferPolicy {
	p := snap.DefaultTransferPolicy()
	if c.Transfer.Workers > 0 {
		p.Workers = c.Transfer.Workers
	}
	if c.Transfer.MaxRetries > 0 {
		p.MaxRetries = c.Transfer.MaxRetries
	}
	if c.Transfer.MaxElapsed.Duration > 0 {
		p.MaxElapsed = c.Transfer.MaxElapsed.Duration
	}
	p.RequestsPerSecond = c.Transfer.RequestsPerSecond
	return p
}

// UploadsDirs returns the directories implied by the exclude-uploads shortcut.
func (c *Config) UploadsDirs() []string {
	if c.Filesystem.UploadsDir == "" {
		return snap.DefaultUploadsDirs
	}
	return []string{c.Filesystem.UploadsDir}
}

// Validate checks the repository list for problems a factory cannot report on its own.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Repositories))
	for i, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repository %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate repository name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to path, creating the directory. The file is
// private because it may hold database and repository credentials.
func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
