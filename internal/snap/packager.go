package snap

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"sitesnap/internal/model"
)

// PackageRequest describes what to capture.
type PackageRequest struct {
	Root     string
	Filter   Filter
	Exporter Exporter // nil when the site has no database
	Scrub    bool
	Export   ExportOptions
}

// PackageResult is a complete, validated capture whose blocks are all in the cache.
type PackageResult struct {
	Manifest model.Manifest
	Database *model.BlockRef
	Files    int
	Reused   int // regular files whose block was already cached
}

// Packager walks the site tree and streams the database export into the LocalCache.
type Packager struct {
	fsmgr    FilesystemManager
	cache    LocalCache
	scrubber Scrubber
	logger   Logger
	policy   TransferPolicy
	metrics  metrics.Registry
}

// NewPackager creates a Packager. scrubber may be nil when scrubbing is never requested.
func NewPackager(fsmgr FilesystemManager, cache LocalCache, scrubber Scrubber, logger Logger, policy TransferPolicy, registry metrics.Registry) *Packager {
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	return &Packager{
		fsmgr:    fsmgr,
		cache:    cache,
		scrubber: scrubber,
		logger:   logger,
		policy:   policy,
		metrics:  registry,
	}
}

// Package captures the file tree and database described by req.
// Any unreadable file or export failure aborts with ErrPackaging and no result.
func (p *Packager) Package(ctx context.Context, req PackageRequest) (*PackageResult, error) {
	if req.Scrub && req.Exporter != nil && p.scrubber == nil {
		return nil, fmt.Errorf("%w: scrubbing requested but no scrubber configured", ErrScrub)
	}

	var paths []*Path
	err := p.fsmgr.Walk(req.Root, req.Filter, func(path *Path) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, packagingError("walking %s: %w", req.Root, err)
	}

	entries := make([]model.ManifestEntry, len(paths))
	var reused atomic.Int64
	err = forEach(ctx, p.policy.workers(), indexes(len(paths)), func(ctx context.Context, i int) error {
		entry, wasCached, err := p.packageFile(paths[i])
		if err != nil {
			return err
		}
		if wasCached {
			reused.Add(1)
		}
		entries[i] = entry
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	result := &PackageResult{
		Manifest: model.Manifest{Entries: entries},
		Files:    len(entries),
		Reused:   int(reused.Load()),
	}
	result.Manifest.Sort()
	if err := result.Manifest.Validate(); err != nil {
		return nil, packagingError("invalid manifest: %w", err)
	}

	if req.Exporter != nil {
		ref, err := p.packageDatabase(ctx, req)
		if err != nil {
			return nil, err
		}
		result.Database = ref
	}

	counter(p.metrics, MetricFilesPackaged).Inc(int64(result.Files))
	counter(p.metrics, MetricBlocksDeduped).Inc(int64(result.Reused))
	p.logger.Info("package complete", "root", req.Root, "files", result.Files, "reused", result.Reused)
	return result, nil
}

// packageFile records one walked path. Regular files are stored as blocks.
func (p *Packager) packageFile(path *Path) (model.ManifestEntry, bool, error) {
	mode := path.Mode()
	entry := model.ManifestEntry{
		Path: path.Rel(),
		Mode: mode,
	}

	switch {
	case mode&fs.ModeSymlink != 0:
		entry.LinkTarget = path.LinkTarget()
		return entry, false, nil
	case !mode.IsRegular():
		p.logger.Warn("recording special file without content", "path", path.Rel(), "mode", mode.String())
		return entry, false, nil
	}

	reader, err := p.fsmgr.Open(path)
	if err != nil {
		return entry, false, packagingError("opening %s: %w", path.Rel(), err)
	}
	defer reader.Close()

	ref, created, err := p.cache.StoreBlock(reader)
	if err != nil {
		return entry, false, packagingError("storing %s: %w", path.Rel(), err)
	}
	entry.Hash = ref.Hash
	entry.Size = ref.Size

	p.logger.Debug("file packaged", "path", path.Rel(), "hash", ref.Hash)
	return entry, !created, nil
}

// packageDatabase streams export -> scrub -> gzip -> block store as one unit of work.
func (p *Packager) packageDatabase(ctx context.Context, req PackageRequest) (*model.BlockRef, error) {
	g, gctx := errgroup.WithContext(ctx)
	pr, pw := io.Pipe()

	var exportErr, scrubErr error
	g.Go(func() error {
		gz := gzip.NewWriter(pw)
		exportErr, scrubErr = p.export(gctx, gz, req)
		err := errors.Join(exportErr, scrubErr)
		if err == nil {
			err = gz.Close()
		}
		pw.CloseWithError(err)
		return err
	})

	var ref model.BlockRef
	var storeErr error
	g.Go(func() error {
		ref, _, storeErr = p.cache.StoreBlock(pr)
		pr.CloseWithError(storeErr)
		return storeErr
	})

	err := g.Wait()
	// Each side sees the other's failure through the pipe, so work out which came first.
	storeFirst := storeErr != nil && (exportErr == nil || !errors.Is(storeErr, exportErr)) && scrubErr == nil
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case storeFirst:
		return nil, packagingError("storing database export: %w", storeErr)
	case exportErr != nil:
		return nil, packagingError("exporting database: %w", exportErr)
	case errors.Is(scrubErr, ErrScrub):
		return nil, scrubErr
	case scrubErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrScrub, scrubErr)
	default:
		return nil, packagingError("storing database export: %w", err)
	}

	p.logger.Info("database packaged", "hash", ref.Hash, "size", ref.Size, "scrubbed", req.Scrub, "small", req.Export.Small)
	return &ref, nil
}

// export writes the (optionally scrubbed) export stream to w.
func (p *Packager) export(ctx context.Context, w io.Writer, req PackageRequest) (exportErr, scrubErr error) {
	if !req.Scrub {
		return req.Exporter.Export(ctx, w, req.Export), nil
	}

	er, ew := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := req.Exporter.Export(ctx, ew, req.Export)
		ew.CloseWithError(err)
		done <- err
	}()

	scrubErr = p.scrubber.Scrub(er, w)
	er.CloseWithError(scrubErr) // unblock the exporter if Scrub stopped early
	exportErr = <-done
	if exportErr != nil {
		// A failed export truncates the stream; the scrub error is a symptom.
		return exportErr, nil
	}
	return nil, scrubErr
}

func indexes(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
