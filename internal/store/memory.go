package store

import (
	"context"
	"sync"
)

// Memory is the in-process store used when no backend is configured.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Persist(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ResearchID] = rec
	return nil
}

func (m *Memory) Load(_ context.Context, researchID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[researchID]
	return rec, ok, nil
}

func (m *Memory) Delete(_ context.Context, researchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, researchID)
	return nil
}

func (m *Memory) Close() error { return nil }
