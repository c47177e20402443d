package snap

import (
	"context"
	"io"
)

// ExportOptions controls a database export.
type ExportOptions struct {
	// Small keeps at most SampleRows rows per table and truncates values
	// longer than MaxValueBytes.
	Small         bool
	SampleRows    int
	MaxValueBytes int

	// PruneSource deletes the rows dropped by Small from the source database.
	// This permanently changes the local site.
	PruneSource bool
}

// Exporter produces a full logical export of the site database.
type Exporter interface {
	// Export writes the export stream to w. The stream is deterministic for a
	// given database state: tables sorted by name, rows by primary key.
	Export(ctx context.Context, w io.Writer, opts ExportOptions) error
}

// Scrubber rewrites personal data in an export stream.
type Scrubber interface {
	// Scrub reads an export stream from r and writes the scrubbed stream to w.
	// Output is byte-identical for identical input.
	Scrub(r io.Reader, w io.Writer) error
}
