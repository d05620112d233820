// Package contract loads the externally authored transition contracts that
// drive the workflow engine. Contracts are data: the engine reads them and
// never writes them back.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Wildcard in a transition's From matches any current state.
const Wildcard = "*"

// StateVoid is the sentinel state of an entity that does not exist yet.
// Creation triggers declare From == StateVoid (or Wildcard).
const StateVoid = "VOID"

// Transition is one legal state change.
type Transition struct {
	Trigger    string `json:"trigger"`
	From       string `json:"from"`
	To         string `json:"to"`
	TargetType string `json:"targetType"`
}

// Contract is one versioned, externally supplied feature contract: its legal
// states, transitions and the ordered side-effect handlers per trigger.
// Terminal states are whatever the contract marks; the engine hardcodes none.
type Contract struct {
	FeatureID      string              `json:"featureId"`
	Version        string              `json:"version,omitempty"`
	States         []string            `json:"states,omitempty"`
	TerminalStates []string            `json:"terminalStates,omitempty"`
	Transitions    []Transition        `json:"transitions"`
	SideEffects    map[string][]string `json:"sideEffects,omitempty"`
}

// Handlers returns the ordered handler names bound to a trigger.
func (c Contract) Handlers(trigger string) []string {
	return c.SideEffects[trigger]
}

// IsTerminal reports whether the contract marks the state terminal.
func (c Contract) IsTerminal(state string) bool {
	for _, s := range c.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

// Registry holds loaded contracts. It is populated once at boot and read-only
// afterwards, so lookups need no locking. Construct one per process (or per
// test) instead of sharing module state.
type Registry struct {
	contracts []Contract
	byTrigger map[string]int
}

// NewRegistry builds a registry over the given contracts. A trigger claimed
// by two contracts is a configuration error.
func NewRegistry(contracts []Contract) (*Registry, error) {
	r := &Registry{
		contracts: contracts,
		byTrigger: make(map[string]int),
	}
	for i, c := range contracts {
		if c.FeatureID == "" {
			return nil, fmt.Errorf("contract %d: featureId required", i)
		}
		for _, t := range c.Transitions {
			if t.Trigger == "" {
				return nil, fmt.Errorf("contract %s: transition with empty trigger", c.FeatureID)
			}
			if prev, dup := r.byTrigger[t.Trigger]; dup && prev != i {
				return nil, fmt.Errorf("trigger %s claimed by both %s and %s",
					t.Trigger, contracts[prev].FeatureID, c.FeatureID)
			}
			r.byTrigger[t.Trigger] = i
		}
	}
	return r, nil
}

// LoadDir reads every *.json contract file in dir and builds a registry.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read contract dir: %w", err)
	}
	var contracts []Contract
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read contract %s: %w", e.Name(), err)
		}
		var c Contract
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse contract %s: %w", e.Name(), err)
		}
		contracts = append(contracts, c)
	}
	return NewRegistry(contracts)
}

// Resolve returns the contract governing the trigger, or ok=false when no
// loaded contract claims it (a legitimate no-op for the engine).
func (r *Registry) Resolve(trigger string) (Contract, bool) {
	i, ok := r.byTrigger[trigger]
	if !ok {
		return Contract{}, false
	}
	return r.contracts[i], true
}

// TransitionsFor returns the transitions a contract declares for a trigger,
// in declaration order.
func (c Contract) TransitionsFor(trigger string) []Transition {
	var out []Transition
	for _, t := range c.Transitions {
		if t.Trigger == trigger {
			out = append(out, t)
		}
	}
	return out
}

// All returns the loaded contracts.
func (r *Registry) All() []Contract {
	out := make([]Contract, len(r.contracts))
	copy(out, r.contracts)
	return out
}
