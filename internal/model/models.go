package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"time"
)

// RecordFormat is the version of the remote record document.
const RecordFormat = 1

// BlockRef identifies a content block. Hash is the hex SHA-256 of the payload.
type BlockRef struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ManifestEntry describes one path captured in a snapshot.
type ManifestEntry struct {
	Path       string      `json:"path"`             // slash separated, relative to the site root
	Hash       string      `json:"hash,omitempty"`   // empty for non-regular files
	Size       int64       `json:"size"`
	Mode       fs.FileMode `json:"mode"`
	LinkTarget string      `json:"link_target,omitempty"`
}

// IsRegular reports whether the entry carries file content.
func (e ManifestEntry) IsRegular() bool {
	return e.Mode.IsRegular()
}

// Manifest is the set of captured paths, sorted by path.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// Sort orders entries by path.
func (m *Manifest) Sort() {
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
}

// Blocks returns the distinct content blocks referenced by regular file entries.
func (m *Manifest) Blocks() []BlockRef {
	seen := make(map[string]bool, len(m.Entries))
	var refs []BlockRef
	for _, e := range m.Entries {
		if !e.IsRegular() || seen[e.Hash] {
			continue
		}
		seen[e.Hash] = true
		refs = append(refs, BlockRef{Hash: e.Hash, Size: e.Size})
	}
	return refs
}

// Size returns the total byte size of regular file entries.
func (m *Manifest) Size() int64 {
	var total int64
	for _, e := range m.Entries {
		if e.IsRegular() {
			total += e.Size
		}
	}
	return total
}

// Validate checks that paths are unique and regular entries carry a hash.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		if e.Path == "" {
			return fmt.Errorf("manifest entry with empty path")
		}
		if seen[e.Path] {
			return fmt.Errorf("duplicate manifest path: %s", e.Path)
		}
		seen[e.Path] = true
		if e.IsRegular() && e.Hash == "" {
			return fmt.Errorf("manifest entry %s has no content hash", e.Path)
		}
	}
	return nil
}

// Snapshot is a captured site state. ID is immutable once assigned.
type Snapshot struct {
	ID          string    `json:"id"`
	Project     string    `json:"project"`
	Description string    `json:"description"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Repository  string    `json:"repository"`
	Scrubbed    bool      `json:"scrubbed"`
	Small       bool      `json:"small"`
	Size        int64     `json:"size"`
	Manifest    Manifest  `json:"manifest"`
	Database    *BlockRef `json:"database,omitempty"`

	// PushedTo lists the repositories this snapshot was registered with. Local only.
	PushedTo []string `json:"-"`
}

// Blocks returns every block the snapshot references, including the database export.
func (s *Snapshot) Blocks() []BlockRef {
	refs := s.Manifest.Blocks()
	if s.Database != nil {
		dup := false
		for _, r := range refs {
			if r.Hash == s.Database.Hash {
				dup = true
				break
			}
		}
		if !dup {
			refs = append(refs, *s.Database)
		}
	}
	return refs
}

// ContentHash is the top-level hash used to detect conflicting registrations.
// It covers the manifest, the database block and the scrubbed/small flags.
func (s *Snapshot) ContentHash() string {
	entries := append([]ManifestEntry(nil), s.Manifest.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%o\x00%s\n", e.Path, e.Hash, e.Size, uint32(e.Mode), e.LinkTarget)
	}
	if s.Database != nil {
		fmt.Fprintf(h, "db\x00%s\x00%d\n", s.Database.Hash, s.Database.Size)
	}
	fmt.Fprintf(h, "scrubbed=%t\x00small=%t\n", s.Scrubbed, s.Small)
	return hex.EncodeToString(h.Sum(nil))
}

// IsPushedTo reports whether the snapshot has been registered with the named repository.
func (s *Snapshot) IsPushedTo(repository string) bool {
	for _, r := range s.PushedTo {
		if r == repository {
			return true
		}
	}
	return false
}

// Record is the document registered in a repository under a snapshot id.
type Record struct {
	Format      int       `json:"format"`
	ContentHash string    `json:"content_hash"`
	Snapshot    *Snapshot `json:"snapshot"`
}

// NewRecord builds the remote record for a snapshot.
func NewRecord(s *Snapshot) *Record {
	return &Record{
		Format:      RecordFormat,
		ContentHash: s.ContentHash(),
		Snapshot:    s,
	}
}
