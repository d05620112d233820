// Package engine executes accepted decisions against externally supplied
// contracts: it gates on permit uniqueness, validates the state transition,
// and dispatches the contract's side-effect handlers exactly once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/contract"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/permit"
)

// Engine drives the contract-defined state machine for one decision at a
// time. It holds no mutable state of its own; all shared state lives behind
// the injected stores.
type Engine struct {
	ledger      ledger.Store
	permits     *permit.Issuer
	contracts   *contract.Registry
	projections ProjectionStore
	results     ResultStore
	handlers    *HandlerRegistry
}

// New constructs an Engine over the given collaborators.
func New(ls ledger.Store, issuer *permit.Issuer, reg *contract.Registry, proj ProjectionStore, res ResultStore, handlers *HandlerRegistry) *Engine {
	return &Engine{
		ledger:      ls,
		permits:     issuer,
		contracts:   reg,
		projections: proj,
		results:     res,
		handlers:    handlers,
	}
}

// ExecuteDecision runs the full execution flow for one accepted decision:
//
//  1. idempotency gate: an existing permit means the decision already
//     executed; the cached result is returned and nothing re-runs;
//  2. integrity gate: the stored record must re-hash to its stored hash;
//  3. contract resolution: no contract claiming the trigger is a recorded
//     no-op, not an error;
//  4. transition validation against the projected current state (VOID for a
//     nonexistent entity); an illegal transition is a rejected result;
//  5. permit issuance: the point of no return;
//  6. ordered handler dispatch with per-handler outcome recording.
//
// The returned error is reserved for fatal conditions (integrity faults,
// store failures). Expected outcomes (no contract, rejected transition,
// duplicate) are carried in the result.
func (e *Engine) ExecuteDecision(ctx context.Context, decisionID string) (ExecutionResult, error) {
	// 1. Idempotency gate.
	if pm, exists, err := e.permits.Lookup(ctx, decisionID); err != nil {
		return ExecutionResult{}, err
	} else if exists {
		return e.priorResult(ctx, decisionID, pm)
	}

	d, err := e.ledger.GetDecision(ctx, decisionID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load decision %s: %w", decisionID, err)
	}

	// 2. Integrity gate. A record that fails here must never execute.
	if err := ledger.VerifyIntegrity(d); err != nil {
		log.Printf("[engine] INCIDENT integrity fault on decision %s: %v", decisionID, err)
		return ExecutionResult{}, err
	}

	// 3. Contract resolution.
	c, ok := e.contracts.Resolve(d.Intent.Action)
	if !ok {
		res := ExecutionResult{
			DecisionID:  d.ID,
			Status:      StatusNoContract,
			Reason:      fmt.Sprintf("no loaded contract claims trigger %q", d.Intent.Action),
			CompletedAt: time.Now().UTC(),
		}
		if err := e.results.SaveResult(ctx, res); err != nil {
			return ExecutionResult{}, fmt.Errorf("record no-contract result: %w", err)
		}
		return res, nil
	}

	// 4. Transition validation against projected state.
	candidates := c.TransitionsFor(d.Intent.Action)
	entityType := candidates[0].TargetType
	current := contract.StateVoid
	if ent, err := e.projections.GetEntity(ctx, entityType, d.Intent.TargetResource); err == nil {
		current = ent.State
	} else if !errors.Is(err, ErrNotFound) {
		return ExecutionResult{}, fmt.Errorf("resolve entity state: %w", err)
	}

	var chosen *contract.Transition
	for i := range candidates {
		if candidates[i].From == contract.Wildcard || candidates[i].From == current {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return ExecutionResult{
			DecisionID: d.ID,
			Status:     StatusRejected,
			Reason: fmt.Sprintf("trigger %q not legal from state %q (contract %s requires %s)",
				d.Intent.Action, current, c.FeatureID, requiredStates(candidates)),
			EntityType:  entityType,
			EntityID:    d.Intent.TargetResource,
			FromState:   current,
			CompletedAt: time.Now().UTC(),
		}, nil
	}

	// 5. Permit issuance: point of no return. A concurrent executor losing
	// the insert race lands on the prior result.
	pm, created, err := e.permits.Issue(ctx, d, nil)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("issue permit: %w", err)
	}
	if !created {
		return e.priorResult(ctx, d.ID, pm)
	}

	if _, err := e.projections.ApplyTransition(ctx, chosen.TargetType, d.Intent.TargetResource, chosen.To, d.Hash); err != nil {
		return ExecutionResult{}, fmt.Errorf("apply transition: %w", err)
	}

	// 6. Side-effect dispatch.
	res := ExecutionResult{
		DecisionID: d.ID,
		PermitID:   pm.ID,
		EntityType: chosen.TargetType,
		EntityID:   d.Intent.TargetResource,
		FromState:  current,
		ToState:    chosen.To,
		Handlers:   e.dispatch(ctx, d, *chosen, c.Handlers(d.Intent.Action)),
	}
	res.Status = summarize(res.Handlers)
	res.CompletedAt = time.Now().UTC()

	if err := e.results.SaveResult(ctx, res); err != nil {
		return ExecutionResult{}, fmt.Errorf("record execution result: %w", err)
	}
	return res, nil
}

// priorResult serves the idempotent short-circuit: the cached result for a
// decision whose permit already exists.
func (e *Engine) priorResult(ctx context.Context, decisionID string, pm permit.Permit) (ExecutionResult, error) {
	res, err := e.results.GetResult(ctx, decisionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return ExecutionResult{}, fmt.Errorf("load prior result: %w", err)
		}
		// Permit persisted but the result write was lost (crash window).
		// The permit alone still proves execution started. Record the
		// partial result so the operator retry path can find it.
		res = ExecutionResult{
			DecisionID:  decisionID,
			Status:      StatusPartial,
			Reason:      "permit exists but no recorded result; operator review required",
			PermitID:    pm.ID,
			CompletedAt: time.Now().UTC(),
		}
		if serr := e.results.SaveResultIfAbsent(ctx, res); serr != nil {
			log.Printf("[engine] record crash-window result for %s: %v", decisionID, serr)
		}
	}
	res.Duplicate = true
	return res, nil
}

// dispatch runs the named handlers in declared order. A failure is recorded
// and the remaining handlers are marked skipped; completed handlers are never
// rolled back or re-run. Unknown handler names are a logged warning.
func (e *Engine) dispatch(ctx context.Context, d ledger.Decision, t contract.Transition, names []string) []HandlerResult {
	out := make([]HandlerResult, 0, len(names))
	failed := false
	for _, name := range names {
		hr := HandlerResult{Name: name, Ts: time.Now().UTC()}
		if failed {
			hr.Status = HandlerSkipped
			out = append(out, hr)
			continue
		}
		kind := ParseHandlerKind(name)
		fn, bound := e.handlers.Lookup(kind)
		if kind == HandlerUnknown || !bound {
			log.Printf("[engine] warning: unknown handler %q for trigger %s", name, t.Trigger)
			hr.Status = HandlerUnmapped
			out = append(out, hr)
			continue
		}
		outcome, err := fn(ctx, d, t)
		if err != nil {
			hr.Status = HandlerFailed
			hr.Error = err.Error()
			failed = true
		} else {
			hr.Status = HandlerCompleted
			hr.Outcome = outcome
		}
		out = append(out, hr)
	}
	return out
}

// RetryHandlers is the operator-triggered remediation path: it re-runs only
// the failed and skipped handlers of an already-permitted decision, in their
// declared order. It never re-issues the permit and never re-applies the
// transition.
func (e *Engine) RetryHandlers(ctx context.Context, decisionID string) (ExecutionResult, error) {
	if _, exists, err := e.permits.Lookup(ctx, decisionID); err != nil {
		return ExecutionResult{}, err
	} else if !exists {
		return ExecutionResult{}, fmt.Errorf("decision %s has no permit; nothing to retry", decisionID)
	}
	res, err := e.results.GetResult(ctx, decisionID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load result for retry: %w", err)
	}
	d, err := e.ledger.GetDecision(ctx, decisionID)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load decision %s: %w", decisionID, err)
	}
	if err := ledger.VerifyIntegrity(d); err != nil {
		log.Printf("[engine] INCIDENT integrity fault on decision %s: %v", decisionID, err)
		return ExecutionResult{}, err
	}

	t := contract.Transition{
		Trigger:    d.Intent.Action,
		From:       res.FromState,
		To:         res.ToState,
		TargetType: res.EntityType,
	}
	for i := range res.Handlers {
		hr := &res.Handlers[i]
		if hr.Status != HandlerFailed && hr.Status != HandlerSkipped {
			continue
		}
		kind := ParseHandlerKind(hr.Name)
		fn, bound := e.handlers.Lookup(kind)
		if kind == HandlerUnknown || !bound {
			log.Printf("[engine] warning: unknown handler %q on retry of %s", hr.Name, decisionID)
			hr.Status = HandlerUnmapped
			hr.Ts = time.Now().UTC()
			continue
		}
		outcome, err := fn(ctx, d, t)
		hr.Ts = time.Now().UTC()
		if err != nil {
			hr.Status = HandlerFailed
			hr.Error = err.Error()
		} else {
			hr.Status = HandlerCompleted
			hr.Outcome = outcome
			hr.Error = ""
		}
	}
	// A result with no handler entries (the crash-window record) keeps its
	// partial status and reason; there is nothing summarize could prove.
	if len(res.Handlers) > 0 {
		res.Status = summarize(res.Handlers)
	}
	res.CompletedAt = time.Now().UTC()
	if err := e.results.SaveResult(ctx, res); err != nil {
		return ExecutionResult{}, fmt.Errorf("record retry result: %w", err)
	}
	return res, nil
}

func summarize(handlers []HandlerResult) string {
	for _, h := range handlers {
		if h.Status == HandlerFailed || h.Status == HandlerSkipped {
			return StatusPartial
		}
	}
	return StatusExecuted
}

func requiredStates(ts []contract.Transition) string {
	froms := make([]string, 0, len(ts))
	for _, t := range ts {
		froms = append(froms, fmt.Sprintf("%q", t.From))
	}
	return "from " + strings.Join(froms, " or ")
}
