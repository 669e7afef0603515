package block_store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
)

var ErrPayloadNotFound = errors.New("payload not found")

type (
	// MemoryBlockStore holds blocks in memory, used in tests and as the
	// backing for single-binary local runs
	MemoryBlockStore struct {
		mu       sync.RWMutex
		blocks   []part.Block
		payloads map[string][]byte
	}
)

func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{
		payloads: make(map[string][]byte),
	}
}

func (m *MemoryBlockStore) AddBlock(b part.Block, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks = append(m.blocks, b)
	m.payloads[b.PayloadRef] = payload
}

func (m *MemoryBlockStore) ListBlocks(_ context.Context, scope Scope, r interval.TimeRange) ([]part.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []part.Block
	for _, b := range m.blocks {
		if !scope.Matches(b) {
			continue
		}
		if r.Contains(b.InsertTime) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InsertTime.Before(out[j].InsertTime)
	})
	return out, nil
}

func (m *MemoryBlockStore) FetchPayload(_ context.Context, b part.Block) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, exists := m.payloads[b.PayloadRef]
	if !exists {
		return nil, ErrPayloadNotFound
	}
	return payload, nil
}

func (m *MemoryBlockStore) Shutdown(_ context.Context) error {
	return nil
}
