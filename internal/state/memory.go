package state

import (
	"context"
	"sync"
)

// Memory keeps the last snapshot in process memory.
type Memory struct {
	mu    sync.Mutex
	snap  Snapshot
	saved bool
	saves int
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(ctx context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(m.snap), m.saved, nil
}

func (m *Memory) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = cloneSnapshot(snap)
	m.saved = true
	m.saves++
	return nil
}

// Saves reports how many times Save was called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *Memory) Close() error { return nil }

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.Sources = make(map[string][]Record, len(s.Sources))
	for k, v := range s.Sources {
		out.Sources[k] = append([]Record(nil), v...)
	}
	out.Stats = append([]byte(nil), s.Stats...)
	return out
}
