package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"sitesnap/internal/config"
	"sitesnap/internal/encryption"
	"sitesnap/internal/snap"
)

func TestNewRepositoryFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RepositoryConfig
		opts    Options
		wantErr bool
		sealed  bool
	}{
		{
			name: "memory repository",
			cfg:  config.RepositoryConfig{Type: "memory", Name: "test-memory"},
		},
		{
			name: "filesystem repository",
			cfg:  config.RepositoryConfig{Type: "filesystem", Name: "test-fs", FSRoot: filepath.Join(t.TempDir(), "repo")},
		},
		{
			name:    "filesystem repository without root",
			cfg:     config.RepositoryConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "s3 repository without bucket",
			cfg:     config.RepositoryConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:    "http repository without url",
			cfg:     config.RepositoryConfig{Type: "http", Name: "test-http"},
			wantErr: true,
		},
		{
			name: "http repository",
			cfg:  config.RepositoryConfig{Type: "http", Name: "test-http", URL: "http://127.0.0.1:1/api"},
		},
		{
			name:   "encrypted repository",
			cfg:    config.RepositoryConfig{Type: "memory", Name: "sealed", Encrypt: true},
			opts:   Options{Encryptor: encryption.NewTestEncryptor()},
			sealed: true,
		},
		{
			name:    "encrypted repository without encryptor",
			cfg:     config.RepositoryConfig{Type: "memory", Name: "sealed", Encrypt: true},
			wantErr: true,
		},
		{
			name:    "unknown repository type",
			cfg:     config.RepositoryConfig{Type: "ftp", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRepositoryFromConfig(context.Background(), tt.cfg, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRepositoryFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Name() != tt.cfg.Name {
				t.Errorf("Name() = %q, want %q", got.Name(), tt.cfg.Name)
			}
			if _, ok := got.(*SealedRepository); ok != tt.sealed {
				t.Errorf("sealed = %v, want %v", ok, tt.sealed)
			}
		})
	}
}

func TestSet_Resolve(t *testing.T) {
	set := NewSet([]config.RepositoryConfig{
		{Name: "team", Type: "memory"},
		{Name: "archive", Type: "memory"},
		{Name: "broken", Type: "filesystem"},
	}, Options{})

	def, err := set.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\") error = %v", err)
	}
	if def.Name() != "team" {
		t.Errorf("default repository = %q, want team", def.Name())
	}

	again, _ := set.Resolve("team")
	if again != def {
		t.Error("Resolve() built the repository twice")
	}

	if _, err := set.Resolve("nope"); !errors.Is(err, snap.ErrRepositoryNotConfigured) {
		t.Errorf("Resolve(nope) error = %v, want ErrRepositoryNotConfigured", err)
	}
	if _, err := set.Resolve("broken"); err == nil {
		t.Error("Resolve(broken) expected config error")
	}

	empty := NewSet(nil, Options{})
	if _, err := empty.Resolve(""); !errors.Is(err, snap.ErrRepositoryNotConfigured) {
		t.Errorf("Resolve() on empty set error = %v, want ErrRepositoryNotConfigured", err)
	}
}

func TestSet_Add(t *testing.T) {
	set := NewSet(nil, Options{})
	team := NewMemoryRepository("team")
	set.Add(team)
	set.Add(NewMemoryRepository("archive"))

	got, err := set.Resolve("")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != team {
		t.Error("first added repository is not the default")
	}
}
