package fs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"sitesnap/internal/snap"
)

type recordingFilter struct {
	exclude []string
	asked   []string
}

func (f *recordingFilter) ShouldInclude(rel string) bool {
	f.asked = append(f.asked, rel)
	for _, e := range f.exclude {
		if rel == e || strings.HasPrefix(rel, e+"/") {
			return false
		}
	}
	return true
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func walkAll(t *testing.T, root string, filter snap.Filter) []*snap.Path {
	t.Helper()
	var got []*snap.Path
	err := NewOSFilesystemManager(nil).Walk(root, filter, func(p *snap.Path) error {
		got = append(got, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	return got
}

func rels(paths []*snap.Path) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.Rel()
	}
	return out
}

func TestOSFilesystemManager_Walk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.php", "<?php")
	writeFile(t, root, "wp-config.php", "define();")
	writeFile(t, root, "cache/page.html", "cached")
	writeFile(t, root, "wp-content/themes/a/style.css", "body{}")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	t.Run("lexical order without directories", func(t *testing.T) {
		got := rels(walkAll(t, root, nil))
		want := []string{"cache/page.html", "index.php", "wp-config.php", "wp-content/themes/a/style.css"}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("Walk() = %v, want %v", got, want)
		}
	})

	t.Run("excluded directories are not descended", func(t *testing.T) {
		filter := &recordingFilter{exclude: []string{"cache"}}
		got := rels(walkAll(t, root, filter))
		for _, r := range got {
			if strings.HasPrefix(r, "cache") {
				t.Errorf("excluded path %s reported", r)
			}
		}
		for _, asked := range filter.asked {
			if asked == "cache/page.html" {
				t.Error("filter consulted for a path under an excluded directory")
			}
		}
		if len(got) != 3 {
			t.Errorf("Walk() = %v, want 3 entries", got)
		}
	})

	t.Run("stops on callback error", func(t *testing.T) {
		stop := io.ErrUnexpectedEOF
		var n int
		err := NewOSFilesystemManager(nil).Walk(root, nil, func(p *snap.Path) error {
			n++
			return stop
		})
		if err != stop {
			t.Errorf("Walk() error = %v, want %v", err, stop)
		}
		if n != 1 {
			t.Errorf("callback ran %d times after error, want 1", n)
		}
	})
}

func TestOSFilesystemManager_Walk_Symlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, root, "index.php", "<?php")
	writeFile(t, outside, "secret.txt", "do not capture")

	for name, target := range map[string]string{
		"latest":  "index.php",
		"escape":  outside,
		"loop":    ".",
		"dangler": "missing.php",
	} {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Fatal(err)
		}
	}

	got := walkAll(t, root, nil)
	byRel := make(map[string]*snap.Path)
	for _, p := range got {
		byRel[p.Rel()] = p
	}
	if len(got) != 5 {
		t.Fatalf("Walk() = %v, want 5 entries (links are not followed)", rels(got))
	}
	if p := byRel["latest"]; p == nil || p.LinkTarget() != "index.php" || p.Mode()&os.ModeSymlink == 0 {
		t.Errorf("latest = %+v, want symlink to index.php", p)
	}
	if p := byRel["escape"]; p == nil || p.LinkTarget() != outside {
		t.Errorf("escape = %+v, want symlink to %s", p, outside)
	}
}

func TestOSFilesystemManager_Walk_SpecialFiles(t *testing.T) {
	root := t.TempDir()
	if err := unix.Mkfifo(filepath.Join(root, "pipe"), 0644); err != nil {
		t.Skipf("mkfifo not available: %v", err)
	}
	got := walkAll(t, root, nil)
	if len(got) != 1 || got[0].Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("Walk() = %v, want the fifo", rels(got))
	}
	if _, err := NewOSFilesystemManager(nil).Open(got[0]); err == nil {
		t.Error("Open() on a fifo should fail")
	}
}

func TestOSFilesystemManager_Walk_NotDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file", "x")
	err := NewOSFilesystemManager(nil).Walk(filepath.Join(root, "file"), nil, func(*snap.Path) error { return nil })
	if err == nil {
		t.Error("Walk() on a file should fail")
	}
}

func TestOSFilesystemManager_Open(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "index.php", "<?php echo 'hi';")
	writeFile(t, root, "empty.txt", "")

	tests := []struct {
		rel  string
		want string
	}{
		{rel: "index.php", want: "<?php echo 'hi';"},
		{rel: "empty.txt", want: ""},
	}
	paths := walkAll(t, root, nil)
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			var p *snap.Path
			for _, c := range paths {
				if c.Rel() == tt.rel {
					p = c
				}
			}
			if p == nil {
				t.Fatalf("%s not walked", tt.rel)
			}
			r, err := NewOSFilesystemManager(nil).Open(p)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer r.Close()
			data, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("content = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestOSFilesystemManager_Open_ChangedWhileReading(t *testing.T) {
	tests := []struct {
		name   string
		change func(path string) error
	}{
		{
			name:   "truncated",
			change: func(path string) error { return os.Truncate(path, 0) },
		},
		{
			name: "appended",
			change: func(path string) error {
				f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
				if err != nil {
					return err
				}
				defer f.Close()
				_, err = f.WriteString("rotated")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "debug.log", strings.Repeat("x", 1<<20))
			paths := walkAll(t, root, nil)

			r, err := NewOSFilesystemManager(nil).Open(paths[0])
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer r.Close()

			if err := tt.change(filepath.Join(root, "debug.log")); err != nil {
				t.Fatalf("changing file: %v", err)
			}
			if _, err := io.Copy(io.Discard, r); err == nil {
				t.Error("Copy() succeeded on a file changed while reading")
			}
		})
	}
}
