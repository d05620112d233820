package engine

import (
	"context"
	"sync"
	"time"
)

// Execution result statuses. A partial failure is a permanently recorded
// outcome: step 6 never re-runs automatically, and remediation goes through
// the operator retry path.
const (
	StatusExecuted   = "executed"
	StatusPartial    = "partial_failure"
	StatusNoContract = "no_contract"
	StatusRejected   = "transition_rejected"
)

// Handler outcome statuses within one execution.
const (
	HandlerCompleted = "completed"
	HandlerFailed    = "failed"
	HandlerSkipped   = "skipped"
	HandlerUnmapped  = "unknown_handler"
)

// HandlerResult records one handler's outcome within an execution.
type HandlerResult struct {
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	Outcome string    `json:"outcome,omitempty"`
	Error   string    `json:"error,omitempty"`
	Ts      time.Time `json:"ts"`
}

// ExecutionResult is the recorded outcome of executing one decision. For a
// permitted decision it is the cached result returned to every duplicate
// caller.
type ExecutionResult struct {
	DecisionID  string          `json:"decisionId"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	PermitID    string          `json:"permitId,omitempty"`
	EntityType  string          `json:"entityType,omitempty"`
	EntityID    string          `json:"entityId,omitempty"`
	FromState   string          `json:"fromState,omitempty"`
	ToState     string          `json:"toState,omitempty"`
	Handlers    []HandlerResult `json:"handlers,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`

	// Duplicate marks a response served from the idempotency gate; it is set
	// on the way out, never persisted.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ResultStore persists execution results keyed by decision id.
type ResultStore interface {
	SaveResult(ctx context.Context, r ExecutionResult) error

	// SaveResultIfAbsent persists the result only when no result exists for
	// the decision yet. The crash-window record goes through here so it can
	// never clobber a concurrently saved execution outcome.
	SaveResultIfAbsent(ctx context.Context, r ExecutionResult) error

	GetResult(ctx context.Context, decisionID string) (ExecutionResult, error)
}

// MemoryResults is an in-memory ResultStore for dev and tests.
type MemoryResults struct {
	mu      sync.Mutex
	results map[string]ExecutionResult
}

// NewMemoryResults returns an empty result store.
func NewMemoryResults() *MemoryResults {
	return &MemoryResults{results: map[string]ExecutionResult{}}
}

func (m *MemoryResults) SaveResult(ctx context.Context, r ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Duplicate = false
	m.results[r.DecisionID] = r
	return nil
}

func (m *MemoryResults) SaveResultIfAbsent(ctx context.Context, r ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[r.DecisionID]; exists {
		return nil
	}
	r.Duplicate = false
	m.results[r.DecisionID] = r
	return nil
}

func (m *MemoryResults) GetResult(ctx context.Context, decisionID string) (ExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[decisionID]
	if !ok {
		return ExecutionResult{}, ErrNotFound
	}
	return r, nil
}
