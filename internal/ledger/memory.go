package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the chain in process memory. Used for dev bootstrap and
// tests; the mutex around Append is serialization point for the
// read-head/compute/write sequence.
type MemoryStore struct {
	mu       sync.Mutex
	chain    []Decision
	byID     map[string]int
	bundles  map[string]EvidenceBundle
	headHash string
}

// NewMemoryStore returns an empty in-memory chain with a genesis head.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     map[string]int{},
		bundles:  map[string]EvidenceBundle{},
		headHash: GenesisHash,
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Append(ctx context.Context, c Candidate) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Decision{
		ID:            NewUUID(),
		Ts:            stampNow(),
		Actor:         c.Actor,
		Intent:        c.Intent,
		EvidenceHash:  c.EvidenceHash,
		Outcome:       c.Outcome,
		PolicyVersion: c.PolicyVersion,
		PrevHash:      m.headHash,
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return Decision{}, err
	}
	d.Hash = hash

	m.chain = append(m.chain, d)
	m.byID[d.ID] = len(m.chain) - 1
	m.headHash = d.Hash
	return d, nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, id string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Decision{}, ErrNotFound
	}
	return m.chain[i], nil
}

func (m *MemoryStore) ListChain(ctx context.Context) ([]Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Decision, len(m.chain))
	copy(out, m.chain)
	return out, nil
}

func (m *MemoryStore) PutBundle(ctx context.Context, b EvidenceBundle) (EvidenceBundle, error) {
	b.CollectedAt = b.CollectedAt.UTC().Truncate(time.Microsecond)
	hash, err := ComputeBundleHash(b)
	if err != nil {
		return EvidenceBundle{}, err
	}
	b.Hash = hash

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bundles[b.Hash]; !exists {
		m.bundles[b.Hash] = b
	}
	return b, nil
}

func (m *MemoryStore) GetBundle(ctx context.Context, hash string) (EvidenceBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[hash]
	if !ok {
		return EvidenceBundle{}, ErrNotFound
	}
	return b, nil
}

// Tamper overwrites a stored decision in place without recomputing hashes.
// It exists so integrity tests can simulate post-append corruption; nothing
// in the service calls it.
func (m *MemoryStore) Tamper(id string, mutate func(*Decision)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(&m.chain[i])
	return true
}
