package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGStore persists the decision chain and evidence bundles into Postgres.
//
// Append serialization uses a single-row ledger_head table: the append
// transaction takes FOR UPDATE on the head row, so concurrent appenders
// queue on the row lock and can never read the same predecessor hash.
//
// Expected schema:
//
//	CREATE TABLE ledger_head (id INT PRIMARY KEY CHECK (id = 1), head_hash TEXT NOT NULL);
//	INSERT INTO ledger_head (id, head_hash) VALUES (1, 'GENESIS');
//	CREATE TABLE decisions (
//	    seq BIGSERIAL PRIMARY KEY, id UUID UNIQUE NOT NULL, ts TIMESTAMPTZ NOT NULL,
//	    actor JSONB NOT NULL, intent JSONB NOT NULL, evidence_hash TEXT,
//	    outcome TEXT NOT NULL, policy_version TEXT NOT NULL,
//	    prev_hash TEXT NOT NULL, hash TEXT UNIQUE NOT NULL);
//	CREATE TABLE evidence_bundles (
//	    hash TEXT PRIMARY KEY, schema_id TEXT NOT NULL,
//	    collected_at TIMESTAMPTZ NOT NULL, items JSONB NOT NULL);
type PGStore struct {
	db *sql.DB
}

// NewPGStore constructs a Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Ping verifies connectivity to Postgres.
func (p *PGStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Append runs the read-head/compute/write sequence in one transaction with
// the head row locked.
func (p *PGStore) Append(ctx context.Context, c Candidate) (Decision, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	if err := tx.QueryRowContext(ctx,
		`SELECT head_hash FROM ledger_head WHERE id = 1 FOR UPDATE`,
	).Scan(&head); err != nil {
		return Decision{}, fmt.Errorf("lock ledger head: %w", err)
	}

	d := Decision{
		ID:            NewUUID(),
		Ts:            stampNow(),
		Actor:         c.Actor,
		Intent:        c.Intent,
		EvidenceHash:  c.EvidenceHash,
		Outcome:       c.Outcome,
		PolicyVersion: c.PolicyVersion,
		PrevHash:      head,
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return Decision{}, err
	}
	d.Hash = hash

	actorJSON, err := json.Marshal(d.Actor)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal actor: %w", err)
	}
	intentJSON, err := json.Marshal(d.Intent)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal intent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO decisions
		  (id, ts, actor, intent, evidence_hash, outcome, policy_version, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, d.Ts, actorJSON, intentJSON, nullable(d.EvidenceHash), d.Outcome, d.PolicyVersion, d.PrevHash, d.Hash); err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_head SET head_hash = $1 WHERE id = 1`, d.Hash,
	); err != nil {
		return Decision{}, fmt.Errorf("advance ledger head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit append: %w", err)
	}
	return d, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const decisionColumns = `id, ts, actor, intent, evidence_hash, outcome, policy_version, prev_hash, hash`

func scanDecision(row interface{ Scan(...interface{}) error }) (Decision, error) {
	var (
		d            Decision
		actorJSON    []byte
		intentJSON   []byte
		evidenceHash sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Ts, &actorJSON, &intentJSON, &evidenceHash,
		&d.Outcome, &d.PolicyVersion, &d.PrevHash, &d.Hash); err != nil {
		return Decision{}, err
	}
	if err := json.Unmarshal(actorJSON, &d.Actor); err != nil {
		return Decision{}, fmt.Errorf("unmarshal actor: %w", err)
	}
	if err := unmarshalIntent(intentJSON, &d.Intent); err != nil {
		return Decision{}, err
	}
	if evidenceHash.Valid {
		d.EvidenceHash = evidenceHash.String
	}
	return d, nil
}

// unmarshalIntent decodes with UseNumber so integer parameters survive the
// round trip and still canonicalize to the bytes that were hashed.
func unmarshalIntent(b []byte, intent *Intent) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(intent); err != nil {
		return fmt.Errorf("unmarshal intent: %w", err)
	}
	return nil
}

// GetDecision fetches a decision by id.
func (p *PGStore) GetDecision(ctx context.Context, id string) (Decision, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Decision{}, ErrNotFound
		}
		return Decision{}, fmt.Errorf("query decision: %w", err)
	}
	return d, nil
}

// ListChain returns the full chain in append order, genesis first.
func (p *PGStore) ListChain(ctx context.Context) ([]Decision, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain: %w", err)
	}
	return out, nil
}

// PutBundle hashes and persists an evidence bundle. Re-inserting an identical
// bundle is a no-op (same hash, same content).
func (p *PGStore) PutBundle(ctx context.Context, b EvidenceBundle) (EvidenceBundle, error) {
	b.CollectedAt = b.CollectedAt.UTC().Truncate(time.Microsecond)
	hash, err := ComputeBundleHash(b)
	if err != nil {
		return EvidenceBundle{}, err
	}
	b.Hash = hash

	itemsJSON, err := json.Marshal(b.Items)
	if err != nil {
		return EvidenceBundle{}, fmt.Errorf("marshal bundle items: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence_bundles (hash, schema_id, collected_at, items)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (hash) DO NOTHING
	`, b.Hash, b.SchemaID, b.CollectedAt, itemsJSON); err != nil {
		return EvidenceBundle{}, fmt.Errorf("insert bundle: %w", err)
	}
	return b, nil
}

// GetBundle fetches a bundle by hash.
func (p *PGStore) GetBundle(ctx context.Context, hash string) (EvidenceBundle, error) {
	var (
		b         EvidenceBundle
		itemsJSON []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT hash, schema_id, collected_at, items FROM evidence_bundles WHERE hash = $1
	`, hash).Scan(&b.Hash, &b.SchemaID, &b.CollectedAt, &itemsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EvidenceBundle{}, ErrNotFound
		}
		return EvidenceBundle{}, fmt.Errorf("query bundle: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(itemsJSON))
	dec.UseNumber()
	if err := dec.Decode(&b.Items); err != nil {
		return EvidenceBundle{}, fmt.Errorf("unmarshal bundle items: %w", err)
	}
	return b, nil
}
