// Package fs is the real-filesystem implementation of snap.FilesystemManager.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"

	"golang.org/x/exp/mmap"

	"sitesnap/internal/snap"
)

// OSFilesystemManager walks and reads a site tree on the local filesystem.
type OSFilesystemManager struct {
	logger snap.Logger
}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager(logger snap.Logger) *OSFilesystemManager {
	if logger == nil {
		logger = snap.NewNopLogger()
	}
	return &OSFilesystemManager{logger: logger}
}

type dirID struct{ dev, ino uint64 }

// Walk visits accepted entries under root in lexical order. Excluded entries
// are skipped before they are even stat'ed. Directories reached twice through
// bind mounts are skipped with a warning.
func (m *OSFilesystemManager) Walk(root string, filter snap.Filter, fn snap.WalkFunc) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("site root is not a directory: %s", absRoot)
	}

	w := &walker{m: m, filter: filter, fn: fn, seen: make(map[dirID]bool)}
	return w.walkDir(absRoot, "")
}

type walker struct {
	m      *OSFilesystemManager
	filter snap.Filter
	fn     snap.WalkFunc
	seen   map[dirID]bool
}

func (w *walker) walkDir(absDir, relDir string) error {
	id, err := fileID(absDir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", absDir, err)
	}
	if w.seen[id] {
		w.m.logger.Warn("skipping directory loop", "path", absDir)
		return nil
	}
	w.seen[id] = true

	// os.ReadDir returns entries sorted by name.
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return fmt.Errorf("reading directory: %w", err)
	}
	for _, entry := range entries {
		rel := path.Join(relDir, entry.Name())
		if w.filter != nil && !w.filter.ShouldInclude(rel) {
			continue
		}
		abs := filepath.Join(absDir, entry.Name())

		info, err := os.Lstat(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed since the directory was read.
				continue
			}
			return fmt.Errorf("lstat %s: %w", abs, err)
		}

		mode := info.Mode()
		switch {
		case mode.IsDir():
			if err := w.walkDir(abs, rel); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(abs)
			if err != nil {
				return fmt.Errorf("reading link %s: %w", abs, err)
			}
			if err := w.fn(snap.NewPath(abs, rel, info, target)); err != nil {
				return err
			}
		default:
			if err := w.fn(snap.NewPath(abs, rel, info, "")); err != nil {
				return err
			}
		}
	}
	return nil
}

// Open maps a regular file into memory for reading. The site may be live, so
// a file truncated under the mapping surfaces as a read error rather than a
// fault, and reaching EOF with a size different from the mapped length is an
// error too.
func (m *OSFilesystemManager) Open(p *snap.Path) (io.ReadCloser, error) {
	if !p.Mode().IsRegular() {
		return nil, fmt.Errorf("cannot open non-regular file: %s", p.String())
	}
	r, err := mmap.Open(p.String())
	if err != nil {
		return nil, err
	}
	return &mappedFile{sr: io.NewSectionReader(r, 0, int64(r.Len())), r: r, path: p.String()}, nil
}

type mappedFile struct {
	sr   *io.SectionReader
	r    *mmap.ReaderAt
	path string
}

func (f *mappedFile) Read(b []byte) (n int, err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer f.recoverFault(&n, &err)

	n, err = f.sr.Read(b)
	if err == io.EOF {
		if info, statErr := os.Stat(f.path); statErr != nil || info.Size() != int64(f.r.Len()) {
			return n, fmt.Errorf("%s changed while reading", f.path)
		}
	}
	return n, err
}

// recoverFault turns a memory fault on the mapping into a read error.
// Other panics are re-raised.
func (f *mappedFile) recoverFault(n *int, err *error) {
	r := recover()
	if r == nil {
		return
	}
	if _, ok := r.(interface{ Addr() uintptr }); !ok {
		panic(r)
	}
	*n = 0
	*err = fmt.Errorf("%s was truncated while reading: %v", f.path, r)
}

func (f *mappedFile) Close() error { return f.r.Close() }

// Compile-time check that OSFilesystemManager implements snap.FilesystemManager interface
var _ snap.FilesystemManager = (*OSFilesystemManager)(nil)
