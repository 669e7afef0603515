package partition_index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
)

type (
	// MemoryPartitionIndex is the in-process index used in tests and as
	// the model implementation the durable backends must match
	MemoryPartitionIndex struct {
		mu         sync.RWMutex
		partitions map[string]part.Partition
		retired    []RetiredFile
	}
)

func NewMemoryPartitionIndex() *MemoryPartitionIndex {
	return &MemoryPartitionIndex{
		partitions: make(map[string]part.Partition),
	}
}

func (m *MemoryPartitionIndex) Find(_ context.Context, viewName, instanceID string, schemaVersion uint32, r interval.TimeRange) ([]part.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []part.Partition
	for _, p := range m.partitions {
		if !p.Active || p.ViewName != viewName || p.InstanceID != instanceID || p.SchemaVersion != schemaVersion {
			continue
		}
		if !r.IsZero() && !p.InsertRange().Overlaps(r) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BeginInsertTime.Equal(out[j].BeginInsertTime) {
			return out[i].BeginInsertTime.Before(out[j].BeginInsertTime)
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

func (m *MemoryPartitionIndex) UpsertIfAbsent(_ context.Context, p part.Partition) (part.Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Fingerprint().Key()
	if existing, exists := m.partitions[key]; exists && existing.Active {
		return existing, nil
	}
	p.Active = true
	m.partitions[key] = p
	return p, nil
}

func (m *MemoryPartitionIndex) Retire(_ context.Context, viewName, instanceID string, generation int32, r interval.TimeRange, expiry time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key, p := range m.partitions {
		if !p.Active || p.ViewName != viewName || p.InstanceID != instanceID || p.Generation != generation {
			continue
		}
		if !r.ContainsRange(p.InsertRange()) {
			continue
		}
		p.Active = false
		m.partitions[key] = p
		if !p.Empty() {
			m.retired = append(m.retired, RetiredFile{
				FilePath:  p.FilePath,
				FileSize:  p.FileSize,
				ExpiresAt: expiry,
			})
		}
		count++
	}
	return count, nil
}

func (m *MemoryPartitionIndex) ListRetired(_ context.Context, before time.Time) ([]RetiredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RetiredFile
	for _, f := range m.retired {
		if f.ExpiresAt.Before(before) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryPartitionIndex) RemoveRetired(_ context.Context, filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.retired[:0]
	for _, f := range m.retired {
		if f.FilePath != filePath {
			kept = append(kept, f)
		}
	}
	m.retired = kept
	return nil
}

func (m *MemoryPartitionIndex) Shutdown(_ context.Context) error {
	return nil
}
