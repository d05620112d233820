package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore persists projected entities and execution results into Postgres.
// It implements both ProjectionStore and ResultStore.
//
// Expected schema:
//
//	CREATE TABLE projected_entities (
//	    entity_type TEXT NOT NULL, entity_id TEXT NOT NULL, state TEXT NOT NULL,
//	    updated_by TEXT NOT NULL, updated_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (entity_type, entity_id));
//	CREATE TABLE execution_results (
//	    decision_id UUID PRIMARY KEY, result JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL);
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed projection/result store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// GetEntity fetches a projected entity row.
func (p *PGStore) GetEntity(ctx context.Context, entityType, id string) (Entity, error) {
	var e Entity
	err := p.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, state, updated_by, updated_at
		FROM projected_entities WHERE entity_type = $1 AND entity_id = $2
	`, entityType, id).Scan(&e.Type, &e.ID, &e.State, &e.UpdatedBy, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, fmt.Errorf("query entity: %w", err)
	}
	return e, nil
}

// ApplyTransition upserts the entity row into its new state, recording the
// causing decision hash.
func (p *PGStore) ApplyTransition(ctx context.Context, entityType, id, toState, decisionHash string) (Entity, error) {
	now := time.Now().UTC()
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO projected_entities (entity_type, entity_id, state, updated_by, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET state = EXCLUDED.state,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, entityType, id, toState, decisionHash, now); err != nil {
		return Entity{}, fmt.Errorf("apply transition: %w", err)
	}
	return Entity{Type: entityType, ID: id, State: toState, UpdatedBy: decisionHash, UpdatedAt: now}, nil
}

// SaveResult upserts the execution result blob for a decision.
func (p *PGStore) SaveResult(ctx context.Context, r ExecutionResult) error {
	r.Duplicate = false
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_results (decision_id, result, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (decision_id)
		DO UPDATE SET result = EXCLUDED.result, updated_at = EXCLUDED.updated_at
	`, r.DecisionID, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// SaveResultIfAbsent inserts the result only when none is recorded yet.
func (p *PGStore) SaveResultIfAbsent(ctx context.Context, r ExecutionResult) error {
	r.Duplicate = false
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_results (decision_id, result, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (decision_id) DO NOTHING
	`, r.DecisionID, blob, time.Now().UTC()); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// GetResult fetches the recorded execution result for a decision.
func (p *PGStore) GetResult(ctx context.Context, decisionID string) (ExecutionResult, error) {
	var blob []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT result FROM execution_results WHERE decision_id = $1`, decisionID,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExecutionResult{}, ErrNotFound
		}
		return ExecutionResult{}, fmt.Errorf("query result: %w", err)
	}
	var r ExecutionResult
	if err := json.Unmarshal(blob, &r); err != nil {
		return ExecutionResult{}, fmt.Errorf("unmarshal result: %w", err)
	}
	return r, nil
}
