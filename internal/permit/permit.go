// Package permit issues and verifies the one-time execution tokens that form
// warden's idempotency boundary. At most one permit can ever exist per
// decision; its existence, not its expiry, is what blocks re-execution.
package permit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/canonical"
	"github.com/wardenhq/warden/internal/ledger"
)

// ScopeExecute is the default scope: authorize one execution of the
// decision's side effects.
const ScopeExecute = "execute"

// Permit is the signed, time-boxed token bound 1:1 to one decision. Every
// field of the signed payload is persisted, so signatures stay verifiable
// from stored state alone.
type Permit struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decisionId"`
	Scope      []string  `json:"scope"`
	IssuedAt   time.Time `json:"issuedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Authority  string    `json:"authority"`
	Signature  string    `json:"signature"`
}

// ErrPermitExists reports that a permit is already bound to the decision.
// For callers this is the idempotent short-circuit, not a failure.
var ErrPermitExists = errors.New("permit already exists for decision")

// ErrNotFound is returned when a requested permit cannot be located.
var ErrNotFound = errors.New("not found")

// Store is the persistence abstraction for permits. Insert must be atomic
// check-exists-else-create: a concurrent duplicate becomes ErrPermitExists,
// never a second permit.
type Store interface {
	Insert(ctx context.Context, p Permit) error
	Get(ctx context.Context, id string) (Permit, error)
	GetByDecision(ctx context.Context, decisionID string) (Permit, error)
	Ping(ctx context.Context) error
}

// Issuer signs and persists permits with a shared HMAC secret.
type Issuer struct {
	secret []byte
	store  Store
	ttl    time.Duration
}

// NewIssuer constructs an Issuer. ttl <= 0 defaults to 15 minutes; expiry is
// informational for audit and cleanup, not a safety mechanism.
func NewIssuer(secret []byte, store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: secret, store: store, ttl: ttl}
}

// signingPayload is the canonicalized byte content covered by the signature.
func signingPayload(p Permit) ([]byte, error) {
	scope := make([]interface{}, 0, len(p.Scope))
	for _, s := range p.Scope {
		scope = append(scope, s)
	}
	return canonical.Marshal(map[string]interface{}{
		"decisionId": p.DecisionID,
		"scope":      scope,
		"issuedAt":   p.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt":  p.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"authority":  p.Authority,
	})
}

func (i *Issuer) sign(p Permit) (string, error) {
	payload, err := signingPayload(p)
	if err != nil {
		return "", fmt.Errorf("canonicalize permit payload: %w", err)
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Issue builds, signs and persists a permit for the decision. If a permit is
// already bound to the decision the prior permit is returned with
// created=false; callers must treat that as "already executed" and never
// re-run side effects.
func (i *Issuer) Issue(ctx context.Context, d ledger.Decision, scope []string) (Permit, bool, error) {
	if len(scope) == 0 {
		scope = []string{ScopeExecute}
	}
	// Microsecond precision matches the TIMESTAMPTZ columns; the signature
	// must recompute from stored fields after a database round trip.
	now := time.Now().UTC().Truncate(time.Microsecond)
	p := Permit{
		ID:         uuid.New().String(),
		DecisionID: d.ID,
		Scope:      scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(i.ttl),
		Authority:  d.Actor.UserID,
	}
	sig, err := i.sign(p)
	if err != nil {
		return Permit{}, false, err
	}
	p.Signature = sig

	if err := i.store.Insert(ctx, p); err != nil {
		if errors.Is(err, ErrPermitExists) {
			prior, gerr := i.store.GetByDecision(ctx, d.ID)
			if gerr != nil {
				return Permit{}, false, fmt.Errorf("load prior permit: %w", gerr)
			}
			return prior, false, nil
		}
		return Permit{}, false, fmt.Errorf("insert permit: %w", err)
	}
	return p, true, nil
}

// Lookup returns the permit bound to a decision, if one exists.
func (i *Issuer) Lookup(ctx context.Context, decisionID string) (Permit, bool, error) {
	p, err := i.store.GetByDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Permit{}, false, nil
		}
		return Permit{}, false, fmt.Errorf("lookup permit: %w", err)
	}
	return p, true, nil
}

// Verify checks that the token exists, is bound to the given decision, has
// not expired, and carries a signature that recomputes from stored fields.
// It returns false rather than an error so callers fail closed uniformly.
func (i *Issuer) Verify(ctx context.Context, tokenID, decisionID string) bool {
	p, err := i.store.Get(ctx, tokenID)
	if err != nil {
		return false
	}
	if p.DecisionID != decisionID {
		return false
	}
	if time.Now().UTC().After(p.ExpiresAt) {
		return false
	}
	payload, err := signingPayload(p)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	want := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
