package engine

import (
	"context"

	"github.com/wardenhq/warden/internal/contract"
	"github.com/wardenhq/warden/internal/ledger"
)

// HandlerKind is the closed set of side-effect handler kinds the engine can
// dispatch. Contracts name handlers as strings; parsing maps them onto this
// enum, with HandlerUnknown as the explicit variant for names the build does
// not know.
type HandlerKind int

const (
	HandlerUnknown HandlerKind = iota
	HandlerSendEmail
	HandlerBrowserTask
	HandlerWebhook
	HandlerArchiveSnapshot
)

var handlerNames = map[string]HandlerKind{
	"send_email":       HandlerSendEmail,
	"browser_task":     HandlerBrowserTask,
	"webhook":          HandlerWebhook,
	"archive_snapshot": HandlerArchiveSnapshot,
}

// ParseHandlerKind maps a contract handler name onto its kind.
// Unrecognized names yield HandlerUnknown.
func ParseHandlerKind(name string) HandlerKind {
	if k, ok := handlerNames[name]; ok {
		return k
	}
	return HandlerUnknown
}

// String returns the contract-facing name of the kind.
func (k HandlerKind) String() string {
	for name, kind := range handlerNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// HandlerFunc performs one idempotent side effect for a permitted decision.
// It returns a named outcome, or an error specific to the handler.
type HandlerFunc func(ctx context.Context, d ledger.Decision, t contract.Transition) (string, error)

// HandlerRegistry is the lookup table from handler kind to implementation.
// Implementations are injected at construction (the physical email and
// browser adapters live outside this package).
type HandlerRegistry struct {
	impls map[HandlerKind]HandlerFunc
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{impls: map[HandlerKind]HandlerFunc{}}
}

// Register binds an implementation to a kind, replacing any previous binding.
func (r *HandlerRegistry) Register(k HandlerKind, fn HandlerFunc) {
	r.impls[k] = fn
}

// Lookup returns the implementation for a kind.
func (r *HandlerRegistry) Lookup(k HandlerKind) (HandlerFunc, bool) {
	fn, ok := r.impls[k]
	return fn, ok
}
