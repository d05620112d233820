// Package ledger contains the append-only, hash-chained decision log and the
// evidence bundles decisions may reference.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the sentinel previous-hash of the first decision in the chain.
const GenesisHash = "GENESIS"

// Decision outcomes recorded on the ledger.
const (
	OutcomeProposed          = "proposed"
	OutcomeApproved          = "approved"
	OutcomeDenied            = "denied"
	OutcomeNeedsMoreEvidence = "needs_more_evidence"
)

// Actor identifies who made a decision.
type Actor struct {
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
}

// Intent describes what the decision authorizes.
type Intent struct {
	Action         string                 `json:"action"`
	TargetResource string                 `json:"targetResource"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
}

// Decision is one immutable record on the chain. PrevHash references the
// predecessor's Hash (or GenesisHash); Hash covers every other field via the
// canonical encoding. Records are never mutated or deleted after append.
type Decision struct {
	ID            string    `json:"id"`
	Ts            time.Time `json:"ts"`
	Actor         Actor     `json:"actor"`
	Intent        Intent    `json:"intent"`
	EvidenceHash  string    `json:"evidenceHash,omitempty"`
	Outcome       string    `json:"outcome"`
	PolicyVersion string    `json:"policyVersion"`
	PrevHash      string    `json:"prevHash"`
	Hash          string    `json:"hash"`
}

// EvidenceItem is one source-tagged piece of collected evidence.
type EvidenceItem struct {
	Source  string      `json:"source"`
	Content interface{} `json:"content"`
}

// EvidenceBundle groups items collected together. CollectedAt is part of the
// hashed payload, so structurally identical evidence collected at different
// times yields distinct bundles.
type EvidenceBundle struct {
	SchemaID    string         `json:"schemaId"`
	CollectedAt time.Time      `json:"collectedAt"`
	Items       []EvidenceItem `json:"items"`
	Hash        string         `json:"hash"`
}

// ErrNotFound is returned when a requested ledger resource cannot be located.
var ErrNotFound = errors.New("not found")

// IntegrityError reports a stored record whose hash no longer matches its
// contents. It is fatal to the record: corruption or tampering.
type IntegrityError struct {
	DecisionID   string
	StoredHash   string
	ComputedHash string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity fault on decision %s: stored hash %s, computed %s",
		e.DecisionID, e.StoredHash, e.ComputedHash)
}

// ChainBreakError reports a broken predecessor link during a chain walk.
type ChainBreakError struct {
	Index    int
	Cause    error
	PrevHash string
	WantHash string
}

func (e *ChainBreakError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("chain break at index %d: %v", e.Index, e.Cause)
	}
	return fmt.Sprintf("chain break at index %d: prevHash %s does not match predecessor hash %s",
		e.Index, e.PrevHash, e.WantHash)
}

func (e *ChainBreakError) Unwrap() error { return e.Cause }

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}
