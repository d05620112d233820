package permit

import (
	"context"
	"sync"
)

// MemoryStore keeps permits in process memory; the mutex makes
// check-exists-else-create atomic.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]Permit
	byDecision map[string]string
}

// NewMemoryStore returns an empty in-memory permit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[string]Permit{},
		byDecision: map[string]string{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Insert(ctx context.Context, p Permit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byDecision[p.DecisionID]; exists {
		return ErrPermitExists
	}
	m.byID[p.ID] = p
	m.byDecision[p.DecisionID] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return Permit{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetByDecision(ctx context.Context, decisionID string) (Permit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDecision[decisionID]
	if !ok {
		return Permit{}, ErrNotFound
	}
	return m.byID[id], nil
}
