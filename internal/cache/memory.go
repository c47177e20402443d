package cache

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"sitesnap/internal/snap"
)

// memoryStore keeps blocks in memory. Used by the memory cache type and tests.
type memoryStore struct {
	mu     sync.RWMutex
	blocks map[string]memoryBlock
	now    func() time.Time
}

type memoryBlock struct {
	data    []byte
	modTime time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blocks: make(map[string]memoryBlock), now: time.Now}
}

func (m *memoryStore) Has(hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[hash]
	return ok, nil
}

func (m *memoryStore) Create() (pendingBlock, error) {
	return &memoryPending{store: m}, nil
}

func (m *memoryStore) Open(hash string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (m *memoryStore) Remove(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, hash)
	return nil
}

func (m *memoryStore) List() ([]storedBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocks := make([]storedBlock, 0, len(m.blocks))
	for hash, b := range m.blocks {
		blocks = append(blocks, storedBlock{Hash: hash, Size: int64(len(b.data)), ModTime: b.modTime})
	}
	return blocks, nil
}

type memoryPending struct {
	store *memoryStore
	buf   bytes.Buffer
	done  bool
}

func (p *memoryPending) Write(b []byte) (int, error) {
	if p.done {
		return 0, fmt.Errorf("write to finished block")
	}
	return p.buf.Write(b)
}

func (p *memoryPending) Commit(hash string) (bool, error) {
	if p.done {
		return false, fmt.Errorf("block already finished")
	}
	p.done = true

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if b, ok := p.store.blocks[hash]; ok {
		b.modTime = p.store.now()
		p.store.blocks[hash] = b
		return false, nil
	}
	p.store.blocks[hash] = memoryBlock{data: p.buf.Bytes(), modTime: p.store.now()}
	return true, nil
}

func (p *memoryPending) Abort() {
	p.done = true
	p.buf.Reset()
}

var _ blockStore = (*memoryStore)(nil)
