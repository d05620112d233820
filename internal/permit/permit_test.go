package permit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/permit"
)

var secret = []byte("test-permit-secret")

func testDecision(id string) ledger.Decision {
	return ledger.Decision{
		ID:    id,
		Actor: ledger.Actor{UserID: "approver-1", Role: "Operator"},
	}
}

func TestIssueAndVerify(t *testing.T) {
	issuer := permit.NewIssuer(secret, permit.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	p, created, err := issuer.Issue(ctx, testDecision("d-1"), nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "d-1", p.DecisionID)
	assert.Equal(t, []string{permit.ScopeExecute}, p.Scope)
	assert.Equal(t, "approver-1", p.Authority)
	assert.NotEmpty(t, p.Signature)

	assert.True(t, issuer.Verify(ctx, p.ID, "d-1"))
	assert.False(t, issuer.Verify(ctx, p.ID, "d-2"), "wrong decision binding must fail")
	assert.False(t, issuer.Verify(ctx, "no-such-token", "d-1"))
}

func TestSecondIssueReturnsPrior(t *testing.T) {
	issuer := permit.NewIssuer(secret, permit.NewMemoryStore(), time.Minute)
	ctx := context.Background()

	first, created, err := issuer.Issue(ctx, testDecision("d-1"), nil)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := issuer.Issue(ctx, testDecision("d-1"), nil)
	require.NoError(t, err)
	assert.False(t, created, "second issue must not create")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Signature, second.Signature)
}

func TestConcurrentIssueCreatesExactlyOne(t *testing.T) {
	store := permit.NewMemoryStore()
	issuer := permit.NewIssuer(secret, store, time.Minute)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	createdCount := make(chan bool, n)
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, created, err := issuer.Issue(ctx, testDecision("d-race"), nil)
			require.NoError(t, err)
			createdCount <- created
			ids <- p.ID
		}()
	}
	wg.Wait()
	close(createdCount)
	close(ids)

	created := 0
	for c := range createdCount {
		if c {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller may create the permit")

	unique := map[string]struct{}{}
	for id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, 1, "every caller must observe the same permit")
}

func TestVerifyExpiredPermit(t *testing.T) {
	issuer := permit.NewIssuer(secret, permit.NewMemoryStore(), time.Nanosecond)
	ctx := context.Background()

	p, created, err := issuer.Issue(ctx, testDecision("d-exp"), nil)
	require.NoError(t, err)
	require.True(t, created)

	time.Sleep(10 * time.Millisecond)
	assert.False(t, issuer.Verify(ctx, p.ID, "d-exp"), "expired permit must not verify")

	// Expiry is informational: the permit still exists and still blocks
	// re-execution.
	_, exists, err := issuer.Lookup(ctx, "d-exp")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTamperedSignatureFailsVerify(t *testing.T) {
	store := permit.NewMemoryStore()
	issuer := permit.NewIssuer(secret, store, time.Minute)
	ctx := context.Background()

	p, _, err := issuer.Issue(ctx, testDecision("d-sig"), nil)
	require.NoError(t, err)

	other := permit.NewIssuer([]byte("different-secret"), store, time.Minute)
	assert.False(t, other.Verify(ctx, p.ID, "d-sig"), "signature under another secret must fail")
}

// microsecondStore simulates a TIMESTAMPTZ round trip: timestamps read back
// carry only microsecond precision.
type microsecondStore struct {
	permit.Store
}

func truncTimes(p permit.Permit) permit.Permit {
	p.IssuedAt = p.IssuedAt.Truncate(time.Microsecond)
	p.ExpiresAt = p.ExpiresAt.Truncate(time.Microsecond)
	return p
}

func (s microsecondStore) Get(ctx context.Context, id string) (permit.Permit, error) {
	p, err := s.Store.Get(ctx, id)
	return truncTimes(p), err
}

func (s microsecondStore) GetByDecision(ctx context.Context, decisionID string) (permit.Permit, error) {
	p, err := s.Store.GetByDecision(ctx, decisionID)
	return truncTimes(p), err
}

func TestVerifySurvivesDatabaseRoundTrip(t *testing.T) {
	store := microsecondStore{Store: permit.NewMemoryStore()}
	issuer := permit.NewIssuer(secret, store, time.Minute)
	ctx := context.Background()

	p, created, err := issuer.Issue(ctx, testDecision("d-rt"), nil)
	require.NoError(t, err)
	require.True(t, created)

	// The signed payload must be reconstructible from stored precision.
	assert.Zero(t, p.IssuedAt.Nanosecond()%1000, "issuedAt must not carry sub-microsecond precision")
	assert.Zero(t, p.ExpiresAt.Nanosecond()%1000, "expiresAt must not carry sub-microsecond precision")
	assert.True(t, issuer.Verify(ctx, p.ID, "d-rt"), "stored permit must verify after round trip")
}
