package snap

import "io"

// Filter decides whether a relative path belongs in a snapshot.
type Filter interface {
	ShouldInclude(relativePath string) bool
}

// WalkFunc is called for every accepted path, in lexical order.
type WalkFunc func(path *Path) error

// FilesystemManager provides an interface for filesystem operations.
// It abstracts file access to enable testing without touching the real filesystem.
type FilesystemManager interface {
	// Walk visits every path under root that filter accepts. Excluded paths are
	// never opened, and excluded directories are not descended into.
	// Symlinks are reported but never followed. Directories themselves are not reported.
	Walk(root string, filter Filter, fn WalkFunc) error

	// Open opens a regular file for reading.
	Open(path *Path) (io.ReadCloser, error)
}
