package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/contract"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/handlers"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/permit"
	"github.com/wardenhq/warden/internal/policy"
)

const evidenceHash = "7f84b1e2a0c94d3b5e6f7a8091b2c3d4e5f60718293a4b5c6d7e8f9012345678"

type captureEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (c *captureEnqueuer) EnqueueExecution(ctx context.Context, decisionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, decisionID)
	return nil
}

type fixture struct {
	store   *ledger.MemoryStore
	permits *permit.Issuer
	enq     *captureEnqueuer
	router  chi.Router
}

// newFixture builds the full HTTP surface on memory stores with one
// occupancy contract and a working send_email handler.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	issuer := permit.NewIssuer([]byte("test-secret"), permit.NewMemoryStore(), 0)
	reg, err := contract.NewRegistry([]contract.Contract{{
		FeatureID: "unit-occupancy",
		Transitions: []contract.Transition{
			{Trigger: "CREATE_UNIT", From: contract.StateVoid, To: "VACANT", TargetType: "unit"},
			{Trigger: "OCCUPY_UNIT", From: "VACANT", To: "OCCUPIED", TargetType: "unit"},
		},
		SideEffects: map[string][]string{
			"CREATE_UNIT": {"send_email"},
		},
	}})
	require.NoError(t, err)

	hreg := engine.NewHandlerRegistry()
	hreg.Register(engine.HandlerSendEmail, func(ctx context.Context, d ledger.Decision, tr contract.Transition) (string, error) {
		return "sent", nil
	})
	eng := engine.New(store, issuer, reg, engine.NewMemoryProjections(), engine.NewMemoryResults(), hreg)

	enq := &captureEnqueuer{}
	r := chi.NewRouter()
	handlers.RegisterRoutes(handlers.Deps{
		Store:     store,
		Policy:    policy.NewEvaluator([]string{"v1"}),
		Permits:   issuer,
		Engine:    eng,
		Contracts: reg,
		Enqueuer:  enq,
	}, r)
	return &fixture{store: store, permits: issuer, enq: enq, router: r}
}

// do issues a request with the given role injected as authenticated claims.
func (f *fixture) do(method, path, role string, body interface{}) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if role != "" {
		req = req.WithContext(auth.WithClaims(req.Context(), auth.Claims{UserID: "u-test", Role: role}))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func submitBody(action, target, outcome string) map[string]interface{} {
	return map[string]interface{}{
		"actor":         map[string]interface{}{"userId": "u-1", "role": "agent"},
		"intent":        map[string]interface{}{"action": action, "targetResource": target},
		"evidenceHash":  evidenceHash,
		"outcome":       outcome,
		"policyVersion": "v1",
	}
}

func TestSubmitApprovedAppendsAndEnqueues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/decision", "", submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var d ledger.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.NotEmpty(t, d.ID)
	assert.NotEmpty(t, d.Hash)
	assert.Equal(t, ledger.GenesisHash, d.PrevHash)

	require.Len(t, f.enq.ids, 1, "approved decision enqueues exactly one execution request")
	assert.Equal(t, d.ID, f.enq.ids[0])

	// The record is readable back and chained.
	rec = f.do(http.MethodGet, "/warden/decision/"+d.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitDeniedDecisionIsNotEnqueued(t *testing.T) {
	f := newFixture(t)

	body := submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeDenied)
	rec := f.do(http.MethodPost, "/warden/decision", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, "denied outcomes are still ledgered")
	assert.Empty(t, f.enq.ids, "only approved decisions reach the queue")
}

func TestSubmitPolicyDenial(t *testing.T) {
	f := newFixture(t)

	// Approved without a well-formed evidence hash is a policy denial, and
	// nothing lands on the ledger.
	body := submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved)
	body["evidenceHash"] = "short"
	rec := f.do(http.MethodPost, "/warden/decision", "", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "policy_denied")

	chain, err := f.store.ListChain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chain, "denied candidates never reach the ledger")
	assert.Empty(t, f.enq.ids)
}

func TestSubmitSuperAdminOverridesPolicy(t *testing.T) {
	f := newFixture(t)

	body := submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved)
	body["evidenceHash"] = ""
	rec := f.do(http.MethodPost, "/warden/decision", auth.RoleSuperAdmin, body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSubmitUnsupportedPolicyVersion(t *testing.T) {
	f := newFixture(t)

	body := submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved)
	body["policyVersion"] = "v99"
	rec := f.do(http.MethodPost, "/warden/decision", "", body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "v99")
}

func TestSubmitFloatParameterRejected(t *testing.T) {
	f := newFixture(t)

	body := submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved)
	body["intent"] = map[string]interface{}{
		"action":         "CREATE_UNIT",
		"targetResource": "unit-9",
		"parameters":     map[string]interface{}{"threshold": 0.5},
	}
	rec := f.do(http.MethodPost, "/warden/decision", "", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected_encoding")

	chain, err := f.store.ListChain(context.Background())
	require.NoError(t, err)
	assert.Empty(t, chain, "rejected encodings never land on the chain")
}

func TestSubmitMissingFields(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/decision", "", map[string]interface{}{
		"actor": map[string]interface{}{"userId": "u-1"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestGetDecisionNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/warden/decision/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteRequiresRole(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/warden/decision/any/execute", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/warden/decision/any/execute", auth.RoleAuditor, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "auditors observe, never execute")
}

func TestExecuteAndDuplicate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/decision", "", submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved))
	require.Equal(t, http.StatusCreated, rec.Code)
	var d ledger.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = f.do(http.MethodPost, "/warden/decision/"+d.ID+"/execute", auth.RoleOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res engine.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, engine.StatusExecuted, res.Status)
	assert.False(t, res.Duplicate)
	require.Len(t, res.Handlers, 1)
	assert.Equal(t, engine.HandlerCompleted, res.Handlers[0].Status)

	// Second execute serves the cached result; side effects do not re-run.
	rec = f.do(http.MethodPost, "/warden/decision/"+d.ID+"/execute", auth.RoleOperator, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dup engine.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.True(t, dup.Duplicate)
	assert.Equal(t, res.PermitID, dup.PermitID)

	// The permit is observable.
	rec = f.do(http.MethodGet, "/warden/decision/"+d.ID+"/permit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pm permit.Permit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pm))
	assert.Equal(t, d.ID, pm.DecisionID)
}

func TestExecuteTransitionRejectedIsConflict(t *testing.T) {
	f := newFixture(t)

	// OCCUPY_UNIT requires VACANT; the entity does not exist yet.
	rec := f.do(http.MethodPost, "/warden/decision", "", submitBody("OCCUPY_UNIT", "unit-9", ledger.OutcomeApproved))
	require.Equal(t, http.StatusCreated, rec.Code)
	var d ledger.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = f.do(http.MethodPost, "/warden/decision/"+d.ID+"/execute", auth.RoleOperator, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "transition_rejected")
}

func TestExecuteIntegrityFault(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/decision", "", submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved))
	require.Equal(t, http.StatusCreated, rec.Code)
	var d ledger.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	require.True(t, f.store.Tamper(d.ID, func(stored *ledger.Decision) {
		stored.Outcome = ledger.OutcomeDenied
	}))

	rec = f.do(http.MethodPost, "/warden/decision/"+d.ID+"/execute", auth.RoleOperator, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "integrity_fault")
}

func TestRetryWithoutPermit(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/decision", "", submitBody("CREATE_UNIT", "unit-9", ledger.OutcomeApproved))
	require.Equal(t, http.StatusCreated, rec.Code)
	var d ledger.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))

	rec = f.do(http.MethodPost, "/warden/decision/"+d.ID+"/retry", auth.RoleOperator, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "nothing to retry")
}

func TestEvidenceRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/evidence", "", map[string]interface{}{
		"schemaId": "sensor-report/1",
		"items": []map[string]interface{}{
			{"source": "sensor-7", "content": map[string]interface{}{"reading": 42}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var b ledger.EvidenceBundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.Len(t, b.Hash, 64)

	rec = f.do(http.MethodGet, "/warden/evidence/"+b.Hash, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEvidenceFloatRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/warden/evidence", "", map[string]interface{}{
		"schemaId": "sensor-report/1",
		"items": []map[string]interface{}{
			{"source": "sensor-7", "content": map[string]interface{}{"reading": 41.9}},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rejected_encoding")
}

func TestVerifyChainEndpoint(t *testing.T) {
	f := newFixture(t)

	var last ledger.Decision
	for i := 0; i < 3; i++ {
		body := submitBody("CREATE_UNIT", fmt.Sprintf("unit-%d", i), ledger.OutcomeApproved)
		rec := f.do(http.MethodPost, "/warden/decision", "", body)
		require.Equal(t, http.StatusCreated, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
	}

	rec := f.do(http.MethodGet, "/warden/ledger/verify", auth.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		OK     bool `json:"ok"`
		Length int  `json:"length"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Length)

	// Tamper with the middle record; the verify walk names the break index.
	chain, err := f.store.ListChain(context.Background())
	require.NoError(t, err)
	require.True(t, f.store.Tamper(chain[1].ID, func(stored *ledger.Decision) {
		stored.Intent.TargetResource = "unit-tampered"
	}))

	rec = f.do(http.MethodGet, "/warden/ledger/verify", auth.RoleAuditor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var broken struct {
		OK         bool `json:"ok"`
		BreakIndex int  `json:"breakIndex"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &broken))
	assert.False(t, broken.OK)
	assert.Equal(t, 1, broken.BreakIndex)
}

func TestVerifyChainRequiresRole(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/warden/ledger/verify", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/warden/ledger/verify", auth.RoleAgent, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListContracts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/warden/contracts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unit-occupancy")
}
