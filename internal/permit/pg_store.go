package permit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PGStore persists permits into Postgres. The UNIQUE constraint on
// decision_id is what turns a concurrent duplicate issue into a detected
// conflict instead of a second permit.
//
// Expected schema:
//
//	CREATE TABLE permits (
//	    id UUID PRIMARY KEY, decision_id UUID UNIQUE NOT NULL,
//	    scope TEXT[] NOT NULL, issued_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL, authority TEXT NOT NULL,
//	    signature TEXT NOT NULL);
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed permit store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Insert persists the permit; a decision that already has one yields
// ErrPermitExists via the unique-constraint conflict.
func (p *PGStore) Insert(ctx context.Context, pm Permit) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO permits (id, decision_id, scope, issued_at, expires_at, authority, signature)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (decision_id) DO NOTHING
	`, pm.ID, pm.DecisionID, pq.Array(pm.Scope), pm.IssuedAt, pm.ExpiresAt, pm.Authority, pm.Signature)
	if err != nil {
		return fmt.Errorf("insert permit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert permit rows affected: %w", err)
	}
	if affected == 0 {
		return ErrPermitExists
	}
	return nil
}

const permitColumns = `id, decision_id, scope, issued_at, expires_at, authority, signature`

func (p *PGStore) scanOne(row *sql.Row) (Permit, error) {
	var pm Permit
	var scope pq.StringArray
	if err := row.Scan(&pm.ID, &pm.DecisionID, &scope, &pm.IssuedAt, &pm.ExpiresAt, &pm.Authority, &pm.Signature); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Permit{}, ErrNotFound
		}
		return Permit{}, fmt.Errorf("query permit: %w", err)
	}
	pm.Scope = []string(scope)
	return pm, nil
}

// Get fetches a permit by token id.
func (p *PGStore) Get(ctx context.Context, id string) (Permit, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+permitColumns+` FROM permits WHERE id = $1`, id)
	return p.scanOne(row)
}

// GetByDecision fetches the permit bound to a decision.
func (p *PGStore) GetByDecision(ctx context.Context, decisionID string) (Permit, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+permitColumns+` FROM permits WHERE decision_id = $1`, decisionID)
	return p.scanOne(row)
}
