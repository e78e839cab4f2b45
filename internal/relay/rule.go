package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/louisbranch/rewind"
)

// ErrRuleNameRequired indicates a rule with an empty name.
var ErrRuleNameRequired = errors.New("rule name is required")

// Rule is the deterministic simulation a room runs. The relay calls Step once
// per settled frame with the resolved inputs for that frame.
//
// Step must be pure: equal inputs and state produce an equal result, and the
// returned state never aliases mutable memory reachable from the argument.
// Rollback replays Step for the same frame many times under late inputs.
type Rule interface {
	// Name identifies the rule in configuration and journal records.
	Name() string
	// Initial returns the state for an empty room at frame zero.
	Initial() any
	// Step folds one frame of resolved inputs into the state and returns
	// the next state.
	Step(inputs map[rewind.Participant]json.RawMessage, state any) any
}

// Registry stores the rules a relay can host, keyed by name.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule to the registry.
func (r *Registry) Register(rule Rule) error {
	if r == nil {
		return errors.New("registry is required")
	}
	if rule == nil {
		return errors.New("rule is required")
	}
	name := strings.TrimSpace(rule.Name())
	if name == "" {
		return ErrRuleNameRequired
	}
	if r.rules == nil {
		r.rules = make(map[string]Rule)
	}
	if _, exists := r.rules[name]; exists {
		return fmt.Errorf("rule already registered: %s", name)
	}
	r.rules[name] = rule
	return nil
}

// Rule returns the registered rule for a given name.
func (r *Registry) Rule(name string) (Rule, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	rule, ok := r.rules[name]
	return rule, ok
}

// Names returns a stable, sorted snapshot of registered rule names.
func (r *Registry) Names() []string {
	if r == nil || len(r.rules) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
