package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested engine resource cannot be located.
var ErrNotFound = errors.New("not found")

// Entity is the mutable read-model row for one projected entity. State only
// advances through engine transitions; UpdatedBy records the decision hash
// that caused the last mutation, for traceability.
type Entity struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	State     string    `json:"state"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectionStore persists projected entity state.
type ProjectionStore interface {
	// GetEntity retrieves an entity; ErrNotFound means it does not exist yet
	// (the engine treats that as the VOID state).
	GetEntity(ctx context.Context, entityType, id string) (Entity, error)

	// ApplyTransition upserts the entity into toState, recording the causing
	// decision hash.
	ApplyTransition(ctx context.Context, entityType, id, toState, decisionHash string) (Entity, error)
}

// MemoryProjections is an in-memory ProjectionStore for dev and tests.
type MemoryProjections struct {
	mu       sync.Mutex
	entities map[string]Entity
}

// NewMemoryProjections returns an empty projection store.
func NewMemoryProjections() *MemoryProjections {
	return &MemoryProjections{entities: map[string]Entity{}}
}

func projectionKey(entityType, id string) string {
	return entityType + "/" + id
}

func (m *MemoryProjections) GetEntity(ctx context.Context, entityType, id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[projectionKey(entityType, id)]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryProjections) ApplyTransition(ctx context.Context, entityType, id, toState, decisionHash string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Entity{
		Type:      entityType,
		ID:        id,
		State:     toState,
		UpdatedBy: decisionHash,
		UpdatedAt: time.Now().UTC(),
	}
	m.entities[projectionKey(entityType, id)] = e
	return e, nil
}
