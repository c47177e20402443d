package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

// MemoryRepository is an in-memory implementation of the Repository interface.
// It stores all blocks and records in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryRepository struct {
	name    string
	blocks  map[string][]byte // hash -> payload
	records map[string][]byte // snapshot id -> encoded record
	mu      sync.RWMutex
}

// NewMemoryRepository creates a new in-memory repository with the given name.
func NewMemoryRepository(name string) *MemoryRepository {
	return &MemoryRepository{
		name:    name,
		blocks:  make(map[string][]byte),
		records: make(map[string][]byte),
	}
}

func (m *MemoryRepository) Name() string { return m.name }

// Exists reports whether id is registered.
func (m *MemoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

// HasBlock reports whether a block is stored.
func (m *MemoryRepository) HasBlock(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[hash]
	return ok, nil
}

// PutBlock stores a block identified by its hash.
func (m *MemoryRepository) PutBlock(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := checkHash(hash); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read block: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent: the first copy of a hash is kept
	if _, ok := m.blocks[hash]; !ok {
		m.blocks[hash] = data
	}
	return nil
}

// FetchBlock writes the block to w.
func (m *MemoryRepository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.blocks[hash]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}

// Register stores record unless its id is already taken.
func (m *MemoryRepository) Register(ctx context.Context, record *model.Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	id := record.Snapshot.ID
	if err := checkID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[id]; ok {
		prev, err := decodeRecord(id, existing)
		if err != nil {
			return err
		}
		return sameRegistration(prev, record)
	}
	m.records[id] = data
	return nil
}

// FetchMetadata returns the record registered under id.
func (m *MemoryRepository) FetchMetadata(ctx context.Context, id string) (*model.Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundRemote, id)
	}
	return decodeRecord(id, data)
}

// ValidateSetup always succeeds for memory repositories.
func (m *MemoryRepository) ValidateSetup(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryRepository implements snap.Repository interface
var _ snap.Repository = (*MemoryRepository)(nil)
