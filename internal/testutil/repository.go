package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"sitesnap/internal/model"
	"sitesnap/internal/repository"
	"sitesnap/internal/snap"
)

// ErrInjected is the transient failure returned by FaultyRepository.
var ErrInjected = errors.New("injected network failure")

// Repository method names accepted by FaultyRepository.
const (
	OpExists        = "Exists"
	OpHasBlock      = "HasBlock"
	OpPutBlock      = "PutBlock"
	OpFetchBlock    = "FetchBlock"
	OpRegister      = "Register"
	OpFetchMetadata = "FetchMetadata"
)

// FaultyRepository counts calls to an inner repository and injects failures.
type FaultyRepository struct {
	inner snap.Repository

	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]int
	landed int // Register calls that store the record and then fail
}

// NewTestRepository creates a counting wrapper around a memory repository.
func NewTestRepository(name string) *FaultyRepository {
	return NewFaultyRepository(repository.NewMemoryRepository(name))
}

// NewFaultyRepository wraps inner.
func NewFaultyRepository(inner snap.Repository) *FaultyRepository {
	return &FaultyRepository{
		inner: inner,
		calls: make(map[string]int),
		fail:  make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with ErrInjected before reaching
// the inner repository.
func (r *FaultyRepository) FailNext(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[op] += n
}

// LandThenFail makes the next n Register calls succeed on the inner
// repository but report ErrInjected, like a response lost on the way back.
func (r *FaultyRepository) LandThenFail(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.landed += n
}

// Heal drops every pending injected failure.
func (r *FaultyRepository) Heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = make(map[string]int)
	r.landed = 0
}

// Calls returns how many times op was called.
func (r *FaultyRepository) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls returns the number of network calls of any kind.
func (r *FaultyRepository) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

// Inner returns the wrapped repository.
func (r *FaultyRepository) Inner() snap.Repository { return r.inner }

func (r *FaultyRepository) enter(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	if r.fail[op] > 0 {
		r.fail[op]--
		return ErrInjected
	}
	return nil
}

func (r *FaultyRepository) Name() string { return r.inner.Name() }

func (r *FaultyRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := r.enter(OpExists); err != nil {
		return false, err
	}
	return r.inner.Exists(ctx, id)
}

func (r *FaultyRepository) HasBlock(ctx context.Context, hash string) (bool, error) {
	if err := r.enter(OpHasBlock); err != nil {
		return false, err
	}
	return r.inner.HasBlock(ctx, hash)
}

func (r *FaultyRepository) PutBlock(ctx context.Context, hash string, rd io.Reader, size int64) error {
	if err := r.enter(OpPutBlock); err != nil {
		return err
	}
	return r.inner.PutBlock(ctx, hash, rd, size)
}

func (r *FaultyRepository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	if err := r.enter(OpFetchBlock); err != nil {
		return err
	}
	return r.inner.FetchBlock(ctx, hash, w)
}

func (r *FaultyRepository) Register(ctx context.Context, record *model.Record) error {
	if err := r.enter(OpRegister); err != nil {
		return err
	}
	if err := r.inner.Register(ctx, record); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.landed > 0 {
		r.landed--
		return ErrInjected
	}
	return nil
}

func (r *FaultyRepository) FetchMetadata(ctx context.Context, id string) (*model.Record, error) {
	if err := r.enter(OpFetchMetadata); err != nil {
		return nil, err
	}
	return r.inner.FetchMetadata(ctx, id)
}

func (r *FaultyRepository) ValidateSetup(ctx context.Context) error {
	return r.inner.ValidateSetup(ctx)
}

var _ snap.Repository = (*FaultyRepository)(nil)

// NewTestResolver resolves the given repositories by name; the first is the default.
func NewTestResolver(repos ...snap.Repository) *repository.Set {
	set := repository.NewSet(nil, repository.Options{})
	for _, r := range repos {
		set.Add(r)
	}
	return set
}
