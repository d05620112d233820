package ledger

// VerifyIntegrity recomputes the decision hash from the stored fields and
// compares it with the stored hash. A mismatch is an IntegrityError: the
// record was altered after append, and must never drive side effects.
func VerifyIntegrity(d Decision) error {
	computed, err := ComputeDecisionHash(d)
	if err != nil {
		return err
	}
	if computed != d.Hash {
		return &IntegrityError{
			DecisionID:   d.ID,
			StoredHash:   d.Hash,
			ComputedHash: computed,
		}
	}
	return nil
}

// VerifyChainSegment checks a contiguous run of decisions in append order:
// every record's hash must recompute, and every record's prevHash must equal
// its predecessor's hash. The first record's prevHash is only checked when the
// segment starts at genesis (prevHash == GenesisHash is then required by the
// caller's framing, not here). Walking a segment that reaches genesis with no
// error is the full audit proof.
func VerifyChainSegment(records []Decision) error {
	for i, d := range records {
		if err := VerifyIntegrity(d); err != nil {
			return &ChainBreakError{Index: i, Cause: err}
		}
		if i > 0 && d.PrevHash != records[i-1].Hash {
			return &ChainBreakError{
				Index:    i,
				PrevHash: d.PrevHash,
				WantHash: records[i-1].Hash,
			}
		}
	}
	return nil
}

// VerifyEvidenceLink recomputes the referenced bundle's hash and requires
// equality with the decision's evidence pointer.
func VerifyEvidenceLink(d Decision, b EvidenceBundle) error {
	computed, err := ComputeBundleHash(b)
	if err != nil {
		return err
	}
	if computed != d.EvidenceHash {
		return &IntegrityError{
			DecisionID:   d.ID,
			StoredHash:   d.EvidenceHash,
			ComputedHash: computed,
		}
	}
	return nil
}
