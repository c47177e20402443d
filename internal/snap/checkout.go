package snap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sitesnap/internal/model"
)

// MetadataDir holds the snapshot record and database export inside a checkout.
const MetadataDir = ".sitesnap"

// CheckoutResult lists what a checkout wrote.
type CheckoutResult struct {
	ID       string
	Dest     string
	Files    int
	Links    int
	Skipped  int    // special files recorded without content
	Database string // path of the database export, empty without a database
}

// Checkout reconstructs a cached snapshot into dest, which must be empty or absent.
// The database export is written compressed to dest/.sitesnap/database.jsonl.gz.
func (s *Service) Checkout(ctx context.Context, id, dest string) (*CheckoutResult, error) {
	fail := func(err error) (*CheckoutResult, error) {
		return nil, &OpError{Op: "checkout", ID: id, Err: err}
	}

	snapshot, err := s.cache.Load(id)
	if err != nil {
		return fail(err)
	}
	if err := prepareDest(dest); err != nil {
		return fail(err)
	}
	s.logger.Info("checkout started", "id", id, "dest", dest)

	result := &CheckoutResult{ID: id, Dest: dest}
	// Symlinks are created last so no write can pass through one.
	var links []model.ManifestEntry
	for _, entry := range snapshot.Manifest.Entries {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if !filepath.IsLocal(filepath.FromSlash(entry.Path)) || entry.Path == MetadataDir || strings.HasPrefix(entry.Path, MetadataDir+"/") {
			return fail(fmt.Errorf("manifest path escapes destination: %s", entry.Path))
		}
		switch {
		case entry.Mode&fs.ModeSymlink != 0:
			links = append(links, entry)
		case entry.IsRegular():
			target := filepath.Join(dest, filepath.FromSlash(entry.Path))
			if err := s.writeBlockFile(target, model.BlockRef{Hash: entry.Hash, Size: entry.Size}, entry.Mode.Perm()); err != nil {
				return fail(fmt.Errorf("restoring %s: %w", entry.Path, err))
			}
			result.Files++
		default:
			s.logger.Warn("skipping special file", "path", entry.Path, "mode", entry.Mode.String())
			result.Skipped++
		}
	}

	for _, entry := range links {
		target := filepath.Join(dest, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fail(fmt.Errorf("creating parent directory: %w", err))
		}
		if err := os.Symlink(entry.LinkTarget, target); err != nil {
			return fail(fmt.Errorf("creating symlink %s: %w", entry.Path, err))
		}
		result.Links++
	}

	meta := filepath.Join(dest, MetadataDir)
	if snapshot.Database != nil {
		result.Database = filepath.Join(meta, "database.jsonl.gz")
		if err := s.writeBlockFile(result.Database, *snapshot.Database, 0600); err != nil {
			return fail(fmt.Errorf("restoring database export: %w", err))
		}
	}
	if err := writeRecord(filepath.Join(meta, "snapshot.json"), model.NewRecord(snapshot)); err != nil {
		return fail(err)
	}

	s.logger.Info("checkout complete", "id", id, "dest", dest, "files", result.Files, "links", result.Links)
	return result, nil
}

// prepareDest creates dest, refusing to write into a non-empty directory.
func prepareDest(dest string) error {
	entries, err := os.ReadDir(dest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return os.MkdirAll(dest, 0755)
	case err != nil:
		return fmt.Errorf("reading destination: %w", err)
	case len(entries) > 0:
		return &ValidationError{Field: "destination", Value: dest, Reason: "directory is not empty"}
	}
	return nil
}

// writeBlockFile copies a cached block to path, verifying its hash.
func (s *Service) writeBlockFile(path string, ref model.BlockRef, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	r, err := s.cache.OpenBlock(ref.Hash)
	if err != nil {
		return fmt.Errorf("opening block %s: %w", ref.Hash, err)
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && (n != ref.Size || hex.EncodeToString(h.Sum(nil)) != ref.Hash) {
		err = fmt.Errorf("cached block %s is corrupt", ref.Hash)
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	// O_CREATE honours the umask; set the recorded bits exactly.
	return os.Chmod(path, perm)
}

func writeRecord(path string, record *model.Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating metadata directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot record: %w", err)
	}
	return nil
}
