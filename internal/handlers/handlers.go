// Package handlers wires the warden HTTP surface. Handlers translate between
// the wire and the core packages; policy, chaining and execution semantics
// all live below this layer.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/canonical"
	"github.com/wardenhq/warden/internal/contract"
	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/permit"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/queue"
)

// Deps holds the constructed service objects the HTTP surface depends on.
type Deps struct {
	Store     ledger.Store
	Policy    *policy.Evaluator
	Permits   *permit.Issuer
	Engine    *engine.Engine
	Contracts *contract.Registry
	Enqueuer  queue.Enqueuer
}

// RegisterRoutes wires warden HTTP routes onto the router.
func RegisterRoutes(d Deps, r chi.Router) {
	r.Get("/health", handleHealth)
	r.Get("/ready", handleReady(d.Store))

	r.Route("/warden", func(r chi.Router) {
		r.Post("/decision", handleSubmit(d))
		r.Get("/decision/{id}", handleGetDecision(d.Store))
		r.Get("/decision/{id}/permit", handleGetPermit(d.Permits))

		r.With(auth.RequireAnyRole(auth.RoleOperator, auth.RoleAgent, auth.RoleSuperAdmin)).
			Post("/decision/{id}/execute", handleExecute(d.Engine))
		r.With(auth.RequireAnyRole(auth.RoleOperator, auth.RoleSuperAdmin)).
			Post("/decision/{id}/retry", handleRetry(d.Engine))

		r.Post("/evidence", handlePutEvidence(d.Store))
		r.Get("/evidence/{hash}", handleGetEvidence(d.Store))

		r.With(auth.RequireAnyRole(auth.RoleAuditor, auth.RoleOperator, auth.RoleSuperAdmin)).
			Get("/ledger/verify", handleVerifyChain(d.Store))

		r.Get("/contracts", handleListContracts(d.Contracts))
	})
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func handleReady(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "store not ready")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
	}
}

// POST /warden/decision
// Request: { actor, intent, evidenceHash?, outcome, policyVersion }
// Response: the persisted Decision with hashes populated, or a structured
// rejection. An approved decision enqueues exactly one execution request.
func handleSubmit(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Actor         ledger.Actor  `json:"actor"`
			Intent        ledger.Intent `json:"intent"`
			EvidenceHash  string        `json:"evidenceHash,omitempty"`
			Outcome       string        `json:"outcome"`
			PolicyVersion string        `json:"policyVersion"`
		}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if req.Intent.Action == "" || req.Outcome == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "intent.action and outcome required")
			return
		}

		candidate := ledger.Candidate{
			Actor:         req.Actor,
			Intent:        req.Intent,
			EvidenceHash:  req.EvidenceHash,
			Outcome:       req.Outcome,
			PolicyVersion: req.PolicyVersion,
		}

		verdict := d.Policy.Evaluate(candidate, auth.FromContext(r.Context()))
		if !verdict.Allowed {
			writeError(w, http.StatusForbidden, "policy_denied", verdict.Reason)
			return
		}

		decision, err := d.Store.Append(r.Context(), candidate)
		if err != nil {
			if errors.Is(err, canonical.ErrRejectedEncoding) {
				log.Printf("[handlers] INCIDENT rejected encoding on submit: %v", err)
				writeError(w, http.StatusBadRequest, "rejected_encoding", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "append_failed", err.Error())
			return
		}

		if decision.Outcome == ledger.OutcomeApproved {
			if err := d.Enqueuer.EnqueueExecution(r.Context(), decision.ID); err != nil {
				// The decision is on the ledger; execution can be driven
				// manually via the execute endpoint.
				log.Printf("[handlers] enqueue execution for %s failed: %v", decision.ID, err)
			}
		}
		writeJSON(w, http.StatusCreated, decision)
	}
}

func handleGetDecision(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := store.GetDecision(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "decision not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleGetPermit(issuer *permit.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, exists, err := issuer.Lookup(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
			return
		}
		if !exists {
			writeError(w, http.StatusNotFound, "not_found", "no permit issued for decision")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// POST /warden/decision/{id}/execute drives the engine synchronously. The
// queue consumer is the usual driver; this endpoint exists for operators and
// for deployments without Kafka.
func handleExecute(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := eng.ExecuteDecision(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if res.Status == engine.StatusRejected {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "transition_rejected",
				"reason": res.Reason,
				"result": res,
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /warden/decision/{id}/retry is the operator remediation path for
// partially completed executions: only failed and skipped handlers re-run.
func handleRetry(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := eng.RetryHandlers(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	var integrity *ledger.IntegrityError
	if errors.As(err, &integrity) {
		writeError(w, http.StatusInternalServerError, "integrity_fault", integrity.Error())
		return
	}
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "decision not found")
		return
	}
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "execution_failed", err.Error())
}

// POST /warden/evidence
// Request: { schemaId, collectedAt?, items: [{source, content}] }
func handlePutEvidence(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ledger.EvidenceBundle
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if req.SchemaID == "" || len(req.Items) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "schemaId and items required")
			return
		}
		if req.CollectedAt.IsZero() {
			req.CollectedAt = time.Now().UTC()
		}
		b, err := store.PutBundle(r.Context(), req)
		if err != nil {
			if errors.Is(err, canonical.ErrRejectedEncoding) {
				log.Printf("[handlers] INCIDENT rejected encoding on evidence: %v", err)
				writeError(w, http.StatusBadRequest, "rejected_encoding", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "store_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, b)
	}
}

func handleGetEvidence(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := store.GetBundle(r.Context(), chi.URLParam(r, "hash"))
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "bundle not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// GET /warden/ledger/verify walks the whole chain from genesis and reports
// either success or the index of the first break.
func handleVerifyChain(store ledger.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain, err := store.ListChain(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
			return
		}
		if len(chain) > 0 && chain[0].PrevHash != ledger.GenesisHash {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"ok": false, "breakIndex": 0, "reason": "first record does not reference genesis",
			})
			return
		}
		if err := ledger.VerifyChainSegment(chain); err != nil {
			var brk *ledger.ChainBreakError
			if errors.As(err, &brk) {
				log.Printf("[handlers] INCIDENT chain verification failed: %v", err)
				writeJSON(w, http.StatusOK, map[string]interface{}{
					"ok": false, "breakIndex": brk.Index, "reason": brk.Error(),
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "verify_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "length": len(chain)})
	}
}

func handleListContracts(reg *contract.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"contracts": reg.All()})
	}
}

// helper JSON writers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, reason string) {
	writeJSON(w, code, map[string]interface{}{"error": errCode, "reason": reason})
}
