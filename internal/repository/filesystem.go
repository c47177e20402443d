package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

// FileSystemRepository is a filesystem-based implementation of the Repository
// interface, usable on local disks and network mounts:
//
//	<root>/
//	  blocks/
//	    ab/<hash>        (block payloads, fanned out by hash prefix)
//	  snapshots/
//	    <id>.json        (registered records, never overwritten)
type FileSystemRepository struct {
	name         string
	root         string
	blocksDir    string
	snapshotsDir string
}

// NewFileSystemRepository creates a new filesystem repository rooted at the given path.
func NewFileSystemRepository(name, root string) (*FileSystemRepository, error) {
	blocksDir := filepath.Join(root, "blocks")
	snapshotsDir := filepath.Join(root, "snapshots")

	for _, dir := range []string{blocksDir, snapshotsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repository directory: %w", err)
		}
	}

	return &FileSystemRepository{
		name:         name,
		root:         root,
		blocksDir:    blocksDir,
		snapshotsDir: snapshotsDir,
	}, nil
}

func (v *FileSystemRepository) Name() string { return v.name }

func (v *FileSystemRepository) blockPath(hash string) (string, error) {
	if err := checkHash(hash); err != nil {
		return "", err
	}
	return filepath.Join(v.root, filepath.FromSlash(blockKey(hash))), nil
}

func (v *FileSystemRepository) recordPath(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(v.root, filepath.FromSlash(recordKey(id))), nil
}

// Exists reports whether id is registered.
func (v *FileSystemRepository) Exists(ctx context.Context, id string) (bool, error) {
	p, err := v.recordPath(id)
	if err != nil {
		return false, err
	}
	return fileExists(p)
}

// HasBlock reports whether a block is stored.
func (v *FileSystemRepository) HasBlock(ctx context.Context, hash string) (bool, error) {
	p, err := v.blockPath(hash)
	if err != nil {
		return false, err
	}
	return fileExists(p)
}

// PutBlock stores a block identified by its hash.
// The operation is idempotent: storing the same hash multiple times is safe.
func (v *FileSystemRepository) PutBlock(ctx context.Context, hash string, r io.Reader, size int64) error {
	destPath, err := v.blockPath(hash)
	if err != nil {
		return err
	}
	if ok, err := fileExists(destPath); err != nil {
		return err
	} else if ok {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create block directory: %w", err)
	}
	tmpPath, err := v.writeTemp(v.blocksDir, r, size)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// FetchBlock writes the block to w.
func (v *FileSystemRepository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	p, err := v.blockPath(hash)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
		}
		return fmt.Errorf("failed to open block: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read block: %w", err)
	}
	return nil
}

// Register links a fully written record into place. The link fails if the id
// is already taken, which makes registration atomic create-if-absent.
func (v *FileSystemRepository) Register(ctx context.Context, record *model.Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	destPath, err := v.recordPath(record.Snapshot.ID)
	if err != nil {
		return err
	}

	tmpPath, err := v.writeTemp(v.snapshotsDir, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	err = os.Link(tmpPath, destPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to register snapshot: %w", err)
	}
	existing, err := v.FetchMetadata(ctx, record.Snapshot.ID)
	if err != nil {
		return err
	}
	return sameRegistration(existing, record)
}

// FetchMetadata returns the record registered under id.
func (v *FileSystemRepository) FetchMetadata(ctx context.Context, id string) (*model.Record, error) {
	p, err := v.recordPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundRemote, id)
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}
	return decodeRecord(id, data)
}

// ValidateSetup verifies that the repository directories are accessible.
func (v *FileSystemRepository) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("repository root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository root is not a directory: %s", v.root)
	}

	for _, dir := range []string{v.blocksDir, v.snapshotsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("repository directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("repository path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeTemp copies r into a new temp file in dir and checks its size.
// The caller owns the returned path.
func (v *FileSystemRepository) writeTemp(dir string, r io.Reader, expectedSize int64) (string, error) {
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	success = true
	return tmpPath, nil
}

func fileExists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Compile-time check that FileSystemRepository implements snap.Repository interface
var _ snap.Repository = (*FileSystemRepository)(nil)
