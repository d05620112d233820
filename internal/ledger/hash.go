package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wardenhq/warden/internal/canonical"
)

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}

// stampNow returns the current UTC time truncated to microseconds, the
// precision TIMESTAMPTZ columns store. A hash over a nanosecond timestamp
// could never be recomputed from a record read back out of Postgres.
func stampNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// hashableDecision builds the canonical payload of every decision field except
// the hash itself. Timestamps are rendered as RFC 3339 UTC with nanoseconds so
// the payload is byte-stable across encode/decode round trips.
func hashableDecision(d Decision) map[string]interface{} {
	actor := map[string]interface{}{
		"userId": d.Actor.UserID,
		"role":   d.Actor.Role,
	}
	if d.Actor.SessionID != "" {
		actor["sessionId"] = d.Actor.SessionID
	}
	intent := map[string]interface{}{
		"action":         d.Intent.Action,
		"targetResource": d.Intent.TargetResource,
	}
	if d.Intent.Parameters != nil {
		intent["parameters"] = d.Intent.Parameters
	}
	payload := map[string]interface{}{
		"id":            d.ID,
		"ts":            d.Ts.UTC().Format(time.RFC3339Nano),
		"actor":         actor,
		"intent":        intent,
		"outcome":       d.Outcome,
		"policyVersion": d.PolicyVersion,
		"prevHash":      d.PrevHash,
	}
	if d.EvidenceHash != "" {
		payload["evidenceHash"] = d.EvidenceHash
	}
	return payload
}

// ComputeDecisionHash canonicalizes the decision minus its hash field and
// returns the hex SHA-256 over those bytes.
func ComputeDecisionHash(d Decision) (string, error) {
	canon, err := canonical.Marshal(hashableDecision(d))
	if err != nil {
		return "", fmt.Errorf("canonicalize decision: %w", err)
	}
	return HashHex(canon), nil
}

// ComputeBundleHash canonicalizes the bundle minus its hash field and returns
// the hex SHA-256 over those bytes.
func ComputeBundleHash(b EvidenceBundle) (string, error) {
	items := make([]interface{}, 0, len(b.Items))
	for _, it := range b.Items {
		items = append(items, map[string]interface{}{
			"source":  it.Source,
			"content": it.Content,
		})
	}
	payload := map[string]interface{}{
		"schemaId":    b.SchemaID,
		"collectedAt": b.CollectedAt.UTC().Format(time.RFC3339Nano),
		"items":       items,
	}
	canon, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize bundle: %w", err)
	}
	return HashHex(canon), nil
}
