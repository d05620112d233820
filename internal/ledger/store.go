package ledger

import (
	"context"
)

// Candidate is a decision as submitted, before the ledger assigns identity,
// timestamp and chain position. Caller-supplied prev hashes are never trusted;
// Append always re-derives the predecessor inside its critical section.
type Candidate struct {
	Actor         Actor
	Intent        Intent
	EvidenceHash  string
	Outcome       string
	PolicyVersion string
}

// Store is the persistence abstraction for the decision chain and the
// evidence bundles it references.
type Store interface {
	// Append assigns id/timestamp, reads the current head hash, computes the
	// decision hash and persists the record. The read-compute-write sequence
	// is atomic against concurrent appends.
	Append(ctx context.Context, c Candidate) (Decision, error)

	// GetDecision retrieves a decision by id.
	GetDecision(ctx context.Context, id string) (Decision, error)

	// ListChain returns decisions in append order, genesis first.
	ListChain(ctx context.Context) ([]Decision, error)

	// PutBundle computes the bundle hash and persists the bundle.
	PutBundle(ctx context.Context, b EvidenceBundle) (EvidenceBundle, error)

	// GetBundle retrieves a bundle by its hash.
	GetBundle(ctx context.Context, hash string) (EvidenceBundle, error)

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}
