package repository

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"sitesnap/internal/encryption"
	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

func sha(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func testRecord(id, content string) *model.Record {
	return model.NewRecord(&model.Snapshot{
		ID:          id,
		Project:     "myblog",
		Description: "before upgrade",
		CreatedAt:   time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Manifest: model.Manifest{Entries: []model.ManifestEntry{
			{Path: "index.php", Hash: sha(content), Size: int64(len(content)), Mode: 0644},
		}},
	})
}

// backends builds one of every repository type over fresh state.
func backends(t *testing.T) map[string]snap.Repository {
	t.Helper()
	fsRepo, err := NewFileSystemRepository("fs", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemRepository() error = %v", err)
	}
	fake := newFakeS3()
	server := httptest.NewServer(newFakeServer())
	t.Cleanup(server.Close)
	httpRepo, err := NewHTTPRepository("http", server.URL, "token", server.Client())
	if err != nil {
		t.Fatalf("NewHTTPRepository() error = %v", err)
	}

	return map[string]snap.Repository{
		"memory":     NewMemoryRepository("memory"),
		"filesystem": fsRepo,
		"s3":         newS3Repository("s3", "bucket", "/site/", fake, fake),
		"http":       httpRepo,
		"sealed":     NewSealedRepository(NewMemoryRepository("sealed"), encryption.NewTestEncryptor(), testUnlock),
	}
}

func testUnlock() (snap.DecryptionContext, error) {
	return encryption.NewTestEncryptor().Unlock("")
}

func eachBackend(t *testing.T, fn func(t *testing.T, repo snap.Repository)) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, repo) })
	}
}

func TestRepository_Blocks(t *testing.T) {
	ctx := context.Background()
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		data := "<?php echo 'hello';"
		hash := sha(data)

		has, err := repo.HasBlock(ctx, hash)
		if err != nil {
			t.Fatalf("HasBlock() error = %v", err)
		}
		if has {
			t.Fatal("HasBlock() = true before PutBlock()")
		}

		for i := 0; i < 2; i++ {
			if err := repo.PutBlock(ctx, hash, strings.NewReader(data), int64(len(data))); err != nil {
				t.Fatalf("PutBlock() #%d error = %v", i+1, err)
			}
		}
		if has, _ := repo.HasBlock(ctx, hash); !has {
			t.Error("HasBlock() = false after PutBlock()")
		}

		var buf bytes.Buffer
		if err := repo.FetchBlock(ctx, hash, &buf); err != nil {
			t.Fatalf("FetchBlock() error = %v", err)
		}
		if buf.String() != data {
			t.Errorf("FetchBlock() = %q, want %q", buf.String(), data)
		}

		err = repo.FetchBlock(ctx, sha("missing"), io.Discard)
		if !errors.Is(err, snap.ErrBlockNotFound) {
			t.Errorf("FetchBlock(missing) error = %v, want ErrBlockNotFound", err)
		}
	})
}

func TestRepository_PutBlock_SizeMismatch(t *testing.T) {
	ctx := context.Background()
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		hash := sha("hello")
		if err := repo.PutBlock(ctx, hash, strings.NewReader("hello"), 100); err == nil {
			t.Fatal("PutBlock() expected size mismatch error")
		}
		if has, _ := repo.HasBlock(ctx, hash); has {
			t.Error("short block left under its content address")
		}
	})
}

func TestRepository_Register(t *testing.T) {
	ctx := context.Background()
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		record := testRecord("id-1", "v1")

		_, err := repo.FetchMetadata(ctx, "id-1")
		if !errors.Is(err, snap.ErrSnapshotNotFoundRemote) {
			t.Fatalf("FetchMetadata() error = %v, want ErrSnapshotNotFoundRemote", err)
		}
		if ok, _ := repo.Exists(ctx, "id-1"); ok {
			t.Fatal("Exists() = true before Register()")
		}

		if err := repo.Register(ctx, record); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if ok, _ := repo.Exists(ctx, "id-1"); !ok {
			t.Error("Exists() = false after Register()")
		}

		got, err := repo.FetchMetadata(ctx, "id-1")
		if err != nil {
			t.Fatalf("FetchMetadata() error = %v", err)
		}
		if got.ContentHash != record.ContentHash || got.Snapshot.ContentHash() != record.ContentHash {
			t.Errorf("FetchMetadata() content hash = %s, want %s", got.ContentHash, record.ContentHash)
		}
		if got.Format != model.RecordFormat {
			t.Errorf("Format = %d, want %d", got.Format, model.RecordFormat)
		}

		t.Run("same content is a no-op", func(t *testing.T) {
			if err := repo.Register(ctx, testRecord("id-1", "v1")); err != nil {
				t.Errorf("Register() of identical record error = %v", err)
			}
		})

		t.Run("different content conflicts", func(t *testing.T) {
			err := repo.Register(ctx, testRecord("id-1", "v2"))
			if !errors.Is(err, snap.ErrRemoteConflict) {
				t.Fatalf("Register() error = %v, want ErrRemoteConflict", err)
			}
			got, _ := repo.FetchMetadata(ctx, "id-1")
			if got.ContentHash != record.ContentHash {
				t.Error("conflicting Register() changed the registered record")
			}
		})
	})
}

func TestRepository_RegisterRace(t *testing.T) {
	ctx := context.Background()
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Register(ctx, testRecord("race", string(rune('a'+i))))
			}(i)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, snap.ErrRemoteConflict):
				t.Errorf("Register() error = %v, want nil or ErrRemoteConflict", err)
			}
		}
		if wins != 1 {
			t.Errorf("%d concurrent registrations won, want exactly 1", wins)
		}
	})
}

func TestRepository_RejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		if _, err := repo.HasBlock(ctx, "../etc/passwd"); err == nil {
			t.Error("HasBlock() accepted a non-hash")
		}
		if _, err := repo.FetchMetadata(ctx, "../../x"); !errors.Is(err, snap.ErrValidation) {
			t.Errorf("FetchMetadata() error = %v, want ErrValidation", err)
		}
	})
}

func TestRepository_ValidateSetup(t *testing.T) {
	eachBackend(t, func(t *testing.T, repo snap.Repository) {
		if err := repo.ValidateSetup(context.Background()); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})
}

func TestSealedRepository(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryRepository("team")
	enc := encryption.NewTestEncryptor()

	t.Run("stores ciphertext under the plaintext hash", func(t *testing.T) {
		repo := NewSealedRepository(inner, enc, testUnlock)
		data := "define('DB_PASSWORD', 'x');"
		if err := repo.PutBlock(ctx, sha(data), strings.NewReader(data), int64(len(data))); err != nil {
			t.Fatalf("PutBlock() error = %v", err)
		}

		var raw bytes.Buffer
		if err := inner.FetchBlock(ctx, sha(data), &raw); err != nil {
			t.Fatalf("inner FetchBlock() error = %v", err)
		}
		if raw.String() == data {
			t.Error("inner repository holds plaintext")
		}
		if enc.Sealed() != 1 {
			t.Errorf("Sealed() = %d, want 1", enc.Sealed())
		}
	})

	t.Run("fetch without unlock fails", func(t *testing.T) {
		repo := NewSealedRepository(inner, enc, nil)
		err := repo.FetchBlock(ctx, sha("define('DB_PASSWORD', 'x');"), io.Discard)
		if err == nil {
			t.Fatal("FetchBlock() expected error without unlocker")
		}
	})

	t.Run("unlocks once", func(t *testing.T) {
		var calls int
		repo := NewSealedRepository(inner, enc, func() (snap.DecryptionContext, error) {
			calls++
			return testUnlock()
		})
		for i := 0; i < 3; i++ {
			if err := repo.FetchBlock(ctx, sha("define('DB_PASSWORD', 'x');"), io.Discard); err != nil {
				t.Fatalf("FetchBlock() error = %v", err)
			}
		}
		if calls != 1 {
			t.Errorf("unlock called %d times, want 1", calls)
		}
	})
}

// fakeS3 is an in-memory bucket honouring If-None-Match on PutObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; ok && in.IfNoneMatch != nil && *in.IfNoneMatch == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if _, err := f.PutObject(ctx, in); err != nil {
		return nil, err
	}
	return &manager.UploadOutput{Key: in.Key}, nil
}

func TestS3Repository_Keys(t *testing.T) {
	fake := newFakeS3()
	repo := newS3Repository("s3", "bucket", "/site/", fake, fake)
	ctx := context.Background()

	hash := sha("x")
	if err := repo.PutBlock(ctx, hash, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutBlock() error = %v", err)
	}
	if err := repo.Register(ctx, testRecord("id-1", "x")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for _, key := range []string{"site/blocks/" + hash[:2] + "/" + hash, "site/snapshots/id-1.json"} {
		if _, ok := fake.objects[key]; !ok {
			t.Errorf("object %s missing; have %v", key, fake.objects)
		}
	}
}

func TestS3Repository_PutBlock_SizeMismatchKeepsExisting(t *testing.T) {
	fake := newFakeS3()
	repo := newS3Repository("s3", "bucket", "", fake, fake)
	ctx := context.Background()

	hash := sha("hello")
	if err := repo.PutBlock(ctx, hash, strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("PutBlock() error = %v", err)
	}

	tests := []struct {
		name string
		body string
		size int64
	}{
		{name: "short body", body: "hel", size: 5},
		{name: "long body", body: "hello world", size: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.PutBlock(ctx, hash, strings.NewReader(tt.body), tt.size); err == nil {
				t.Fatal("PutBlock() expected size mismatch error")
			}
			var buf bytes.Buffer
			if err := repo.FetchBlock(ctx, hash, &buf); err != nil {
				t.Fatalf("FetchBlock() error = %v", err)
			}
			if buf.String() != "hello" {
				t.Errorf("FetchBlock() = %q, want the earlier upload", buf.String())
			}
		})
	}
}

// fakeServer implements the REST protocol HTTPRepository speaks.
type fakeServer struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeServer() *fakeServer { return &fakeServer{objects: make(map[string][]byte)} }

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if _, ok := s.objects[key]; key != "" && !ok {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodGet:
		data, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodPut:
		if _, ok := s.objects[key]; ok && r.Header.Get("If-None-Match") == "*" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		s.objects[key] = data
		w.WriteHeader(http.StatusCreated)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestHTTPRepository_Unauthorized(t *testing.T) {
	server := httptest.NewServer(newFakeServer())
	defer server.Close()

	repo, err := NewHTTPRepository("http", server.URL, "wrong", server.Client())
	if err != nil {
		t.Fatalf("NewHTTPRepository() error = %v", err)
	}
	if err := repo.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for rejected token")
	}
	if _, err := repo.HasBlock(context.Background(), sha("x")); err == nil {
		t.Error("HasBlock() expected error for rejected token")
	}
}

func TestHTTPRepository_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	repo, _ := NewHTTPRepository("http", server.URL, "", server.Client())
	_, err := repo.FetchMetadata(context.Background(), "id-1")
	if err == nil || errors.Is(err, snap.ErrSnapshotNotFoundRemote) {
		t.Errorf("FetchMetadata() error = %v, want transport error", err)
	}
}
