package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sitesnap/internal/snap"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content    []byte
	Mode       fs.FileMode
	ModTime    time.Time
	LinkTarget string
	Unreadable bool
}

// MockFilesystemManager is an in-memory site tree for testing.
// Paths are slash separated and relative to whatever root is walked.
type MockFilesystemManager struct {
	mu     sync.Mutex
	files  map[string]*MockFile
	opened []string
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files: make(map[string]*MockFile),
	}
}

// AddFile adds a regular file with mode 0644.
func (m *MockFilesystemManager) AddFile(rel string, content []byte) {
	m.AddFileMode(rel, content, 0644)
}

// AddFileMode adds a regular file with the given permission bits.
func (m *MockFilesystemManager) AddFileMode(rel string, content []byte, perm fs.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = &MockFile{Content: content, Mode: perm, ModTime: time.Now()}
}

// AddSymlink adds a symbolic link pointing at target.
func (m *MockFilesystemManager) AddSymlink(rel, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = &MockFile{Mode: fs.ModeSymlink | 0777, LinkTarget: target, ModTime: time.Now()}
}

// AddFifo adds a named pipe.
func (m *MockFilesystemManager) AddFifo(rel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = &MockFile{Mode: fs.ModeNamedPipe | 0600, ModTime: time.Now()}
}

// AddUnreadable adds a regular file whose Open fails.
func (m *MockFilesystemManager) AddUnreadable(rel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rel] = &MockFile{Mode: 0000, ModTime: time.Now(), Unreadable: true}
}

// Opened returns the relative paths passed to Open, sorted.
func (m *MockFilesystemManager) Opened() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.opened...)
	sort.Strings(out)
	return out
}

// Walk visits the files filter accepts in lexical order. A file below an
// excluded directory is skipped without consulting the filter for the file itself.
func (m *MockFilesystemManager) Walk(root string, filter snap.Filter, fn snap.WalkFunc) error {
	m.mu.Lock()
	rels := make([]string, 0, len(m.files))
	for rel := range m.files {
		rels = append(rels, rel)
	}
	m.mu.Unlock()
	sort.Strings(rels)

	for _, rel := range rels {
		if !accepted(filter, rel) {
			continue
		}
		m.mu.Lock()
		file := m.files[rel]
		m.mu.Unlock()
		info := &mockFileInfo{
			name:    path.Base(rel),
			size:    int64(len(file.Content)),
			mode:    file.Mode,
			modTime: file.ModTime,
		}
		p := snap.NewPath(filepath.Join(root, filepath.FromSlash(rel)), rel, info, file.LinkTarget)
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func accepted(filter snap.Filter, rel string) bool {
	if filter == nil {
		return true
	}
	parts := strings.Split(rel, "/")
	for i := 1; i <= len(parts); i++ {
		if !filter.ShouldInclude(strings.Join(parts[:i], "/")) {
			return false
		}
	}
	return true
}

func (m *MockFilesystemManager) Open(p *snap.Path) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[p.Rel()]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", p)
	}
	m.opened = append(m.opened, p.Rel())
	if !file.Mode.IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", p)
	}
	if file.Unreadable {
		return nil, &fs.PathError{Op: "open", Path: p.String(), Err: errors.New("permission denied")}
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) Mode() fs.FileMode  { return m.mode }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.mode.IsDir() }
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ snap.FilesystemManager = (*MockFilesystemManager)(nil)
