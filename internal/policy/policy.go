// Package policy gates candidate decisions before they reach the ledger.
// Evaluation is a pure function over the candidate and the caller's claims:
// no I/O, no mutation, always run before append. A denial short-circuits the
// pipeline with no write and no side effects.
package policy

import (
	"fmt"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/ledger"
)

// Verdict is the result of evaluating one candidate. Denials are expected,
// user-facing outcomes, not errors.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Evaluator applies a fixed-priority rule list; the first matching rule wins.
type Evaluator struct {
	supportedVersions map[string]struct{}
}

// NewEvaluator builds an evaluator that accepts the given policy versions.
func NewEvaluator(supportedVersions []string) *Evaluator {
	set := make(map[string]struct{}, len(supportedVersions))
	for _, v := range supportedVersions {
		set[v] = struct{}{}
	}
	return &Evaluator{supportedVersions: set}
}

// Evaluate checks the candidate against the rule list, in priority order:
//  1. the top administrative role is allowed unconditionally;
//  2. an approved outcome requires a well-formed evidence hash;
//  3. the policy version must be supported;
//  4. everything else is allowed.
func (e *Evaluator) Evaluate(c ledger.Candidate, claims auth.Claims) Verdict {
	if claims.Role == auth.RoleSuperAdmin {
		return Verdict{Allowed: true, Reason: "administrative override"}
	}
	if c.Outcome == ledger.OutcomeApproved && !validEvidenceHash(c.EvidenceHash) {
		return Verdict{Allowed: false, Reason: "approved outcome requires a 64-hex-char evidence hash"}
	}
	if _, ok := e.supportedVersions[c.PolicyVersion]; !ok {
		return Verdict{Allowed: false, Reason: fmt.Sprintf("unsupported policy version %q", c.PolicyVersion)}
	}
	return Verdict{Allowed: true, Reason: "no rule objected"}
}

// validEvidenceHash requires exactly 64 lowercase-or-uppercase hex characters,
// the shape of a hex SHA-256.
func validEvidenceHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
