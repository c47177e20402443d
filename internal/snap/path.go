package snap

import "io/fs"

// Path is a filesystem entry discovered under a site root.
// Path objects are produced by FilesystemManager.Walk, which has already
// applied the exclusion filter and cached the lstat info.
type Path struct {
	absPath    string
	relPath    string
	info       fs.FileInfo
	linkTarget string
}

// NewPath creates a Path from its components.
// This is primarily for use by FilesystemManager implementations.
func NewPath(absPath, relPath string, info fs.FileInfo, linkTarget string) *Path {
	return &Path{
		absPath:    absPath,
		relPath:    relPath,
		info:       info,
		linkTarget: linkTarget,
	}
}

// String returns the absolute path.
func (p *Path) String() string {
	return p.absPath
}

// Rel returns the slash-separated path relative to the walked root.
func (p *Path) Rel() string {
	return p.relPath
}

// Info returns the lstat info captured during the walk.
func (p *Path) Info() fs.FileInfo {
	return p.info
}

// Mode returns the file mode including type bits.
func (p *Path) Mode() fs.FileMode {
	return p.info.Mode()
}

// LinkTarget returns the symlink target, or "" for other entries.
func (p *Path) LinkTarget() string {
	return p.linkTarget
}
