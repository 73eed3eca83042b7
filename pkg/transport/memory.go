package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-rdfs/pkg/model"
)

// MemoryTransport is a Transport over per-node maps. Nodes can be taken
// down to simulate outages.
type MemoryTransport struct {
	mu    sync.RWMutex
	nodes map[string]map[model.BlockID][]byte
	down  map[string]bool
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		nodes: make(map[string]map[model.BlockID][]byte),
		down:  make(map[string]bool),
	}
}

func (t *MemoryTransport) Fetch(ctx context.Context, node model.Address, id model.BlockID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.down[string(node)] {
		return nil, fmt.Errorf("%w: node %s is down", ErrUnavailable, node)
	}
	data, ok := t.nodes[string(node)][id]
	if !ok {
		return nil, fmt.Errorf("%w: node %s has no block %d", ErrUnavailable, node, id)
	}
	return append([]byte(nil), data...), nil
}

func (t *MemoryTransport) Publish(ctx context.Context, node model.Address, id model.BlockID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.down[string(node)] {
		return fmt.Errorf("%w: node %s is down", ErrUnavailable, node)
	}
	blocks, ok := t.nodes[string(node)]
	if !ok {
		blocks = make(map[model.BlockID][]byte)
		t.nodes[string(node)] = blocks
	}
	blocks[id] = append([]byte(nil), data...)
	return nil
}

// SetDown marks a node unavailable or available again.
func (t *MemoryTransport) SetDown(node model.Address, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.down[string(node)] = down
}

// Corrupt flips one byte of a stored block, for tests.
func (t *MemoryTransport) Corrupt(node model.Address, id model.BlockID, offset int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, ok := t.nodes[string(node)][id]
	if !ok || offset >= len(data) {
		return false
	}
	data[offset] ^= 0xFF
	return true
}
