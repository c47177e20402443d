package snap_test

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sitesnap/internal/model"
	"sitesnap/internal/snap"
	"sitesnap/internal/testutil"
)

func TestService_Checkout(t *testing.T) {
	f := newFixture(t)
	f.addSite()
	f.fsmgr.AddFileMode("wp-content/plugins/run.sh", []byte("#!/bin/sh\n"), 0750)
	f.fsmgr.AddFifo("wp-content/debug.pipe")
	opts := createOpts()
	opts.Exporter = testutil.NewStubExporter()

	snapshot, err := f.svc.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	result, err := f.svc.Checkout(context.Background(), snapshot.ID, dest)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if result.Files != 5 || result.Links != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 5 files, 1 link, 1 skipped", result)
	}

	got, err := os.ReadFile(filepath.Join(dest, "wp-config.php"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "<?php define('DB_NAME', 'wp');" {
		t.Errorf("wp-config.php = %q", got)
	}

	info, err := os.Stat(filepath.Join(dest, "wp-content/plugins/run.sh"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("run.sh mode = %v, want 0750", info.Mode().Perm())
	}

	target, err := os.Readlink(filepath.Join(dest, "current"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if target != "index.php" {
		t.Errorf("symlink target = %q, want index.php", target)
	}
	if _, err := os.Lstat(filepath.Join(dest, "wp-content/debug.pipe")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("special file restored: %v", err)
	}

	dbFile, err := os.Open(result.Database)
	if err != nil {
		t.Fatalf("Open(database) error = %v", err)
	}
	defer dbFile.Close()
	gz, err := gzip.NewReader(dbFile)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	export, _ := io.ReadAll(gz)
	if !strings.Contains(string(export), `"table":"wp_users"`) {
		t.Error("restored database export has no users table")
	}

	data, err := os.ReadFile(filepath.Join(dest, snap.MetadataDir, "snapshot.json"))
	if err != nil {
		t.Fatalf("ReadFile(snapshot.json) error = %v", err)
	}
	var record model.Record
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if record.ContentHash != snapshot.ContentHash() {
		t.Error("checkout record has a different content hash")
	}
}

func TestService_Checkout_Errors(t *testing.T) {
	f := newFixture(t)
	f.addSite()
	snapshot, err := f.svc.Create(context.Background(), createOpts())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("unknown snapshot", func(t *testing.T) {
		_, err := f.svc.Checkout(context.Background(), "snap-404", t.TempDir())
		if !errors.Is(err, snap.ErrSnapshotNotFoundLocally) {
			t.Errorf("Checkout() error = %v, want ErrSnapshotNotFoundLocally", err)
		}
	})

	t.Run("non-empty destination", func(t *testing.T) {
		dest := t.TempDir()
		if err := os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("mine"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := f.svc.Checkout(context.Background(), snapshot.ID, dest)
		if !errors.Is(err, snap.ErrValidation) {
			t.Errorf("Checkout() error = %v, want ErrValidation", err)
		}
		if data, _ := os.ReadFile(filepath.Join(dest, "keep.txt")); string(data) != "mine" {
			t.Error("existing file was modified")
		}
	})

	t.Run("empty destination", func(t *testing.T) {
		if _, err := f.svc.Checkout(context.Background(), snapshot.ID, t.TempDir()); err != nil {
			t.Errorf("Checkout() error = %v", err)
		}
	})
}
