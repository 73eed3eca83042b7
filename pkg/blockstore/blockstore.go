// Package blockstore is the local block table of a volume: encoded blocks
// indexed by BlockID.
package blockstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

var (
	ErrNotFound = errors.New("blockstore: block not found")
	ErrClosed   = errors.New("blockstore: store is closed")
)

// Store holds encoded blocks. Implementations copy what they are given and
// what they return.
type Store interface {
	Put(id model.BlockID, data []byte) error
	PutBatch(blocks map[model.BlockID][]byte) error
	Get(id model.BlockID) ([]byte, error)
	Has(id model.BlockID) (bool, error)
	Delete(ids ...model.BlockID) error
	IDs() ([]model.BlockID, error)
	Close() error
}

// MemoryStore keeps blocks in a map. It is used for tests and for volumes
// that only live as long as the process.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[model.BlockID][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[model.BlockID][]byte)}
}

func (s *MemoryStore) Put(id model.BlockID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.blocks[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) PutBatch(blocks map[model.BlockID][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for id, data := range blocks {
		s.blocks[id] = append([]byte(nil), data...)
	}
	return nil
}

func (s *MemoryStore) Get(id model.BlockID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Has(id model.BlockID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.blocks[id]
	return ok, nil
}

// Delete removes blocks; missing ids are ignored.
func (s *MemoryStore) Delete(ids ...model.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(s.blocks, id)
	}
	return nil
}

// IDs returns the stored ids in ascending order.
func (s *MemoryStore) IDs() ([]model.BlockID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	ids := make([]model.BlockID, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.blocks = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)
