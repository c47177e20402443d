package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sitesnap/internal/snap"
)

// fsStore keeps blocks as files, fanned out by the first two hex digits:
//
//	<root>/
//	  blocks/
//	    ab/
//	      abcdef...   (block payload, named by SHA-256)
//	    .tmp-*        (pending blocks)
type fsStore struct {
	blocksDir string
}

func newFSStore(root string) (*fsStore, error) {
	blocksDir := filepath.Join(root, "blocks")
	if err := os.MkdirAll(blocksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}
	return &fsStore{blocksDir: blocksDir}, nil
}

func (s *fsStore) path(hash string) (string, error) {
	if len(hash) < 3 || filepath.Base(hash) != hash {
		return "", fmt.Errorf("invalid block hash %q", hash)
	}
	return filepath.Join(s.blocksDir, hash[:2], hash), nil
}

func (s *fsStore) Has(hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking block: %w", err)
	}
	return true, nil
}

func (s *fsStore) Create() (pendingBlock, error) {
	// Pending blocks live in blocksDir so the final rename never crosses filesystems.
	f, err := os.CreateTemp(s.blocksDir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fsPending{store: s, f: f}, nil
}

func (s *fsStore) Open(hash string) (io.ReadCloser, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open block: %w", err)
	}
	return f, nil
}

func (s *fsStore) Remove(hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing block: %w", err)
	}
	return nil
}

func (s *fsStore) List() ([]storedBlock, error) {
	var blocks []storedBlock
	err := filepath.WalkDir(s.blocksDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Dir(p) == s.blocksDir {
			return nil // fan-out directories and pending blocks
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		blocks = append(blocks, storedBlock{Hash: d.Name(), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	return blocks, nil
}

type fsPending struct {
	store *fsStore
	f     *os.File
	done  bool
}

func (p *fsPending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *fsPending) Commit(hash string) (bool, error) {
	if p.done {
		return false, fmt.Errorf("block already finished")
	}
	p.done = true
	tmpPath := p.f.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return false, fmt.Errorf("failed to sync block: %w", err)
	}
	if err := p.f.Close(); err != nil {
		return false, fmt.Errorf("failed to close temp file: %w", err)
	}

	dest, err := p.store.path(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dest); err == nil {
		// Deduplicated; the temp file is removed by the deferred cleanup.
		now := time.Now()
		if err := os.Chtimes(dest, now, now); err != nil {
			return false, fmt.Errorf("failed to refresh block time: %w", err)
		}
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return false, fmt.Errorf("failed to create block directory: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return false, fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return true, nil
}

func (p *fsPending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.f.Close()
	os.Remove(p.f.Name())
}

var _ blockStore = (*fsStore)(nil)
