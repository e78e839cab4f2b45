package relay

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/louisbranch/rewind"
)

// counterRule sums an "add" field from every participant input into a single
// counter. Held inputs keep adding on every frame, which makes timelines easy
// to predict in tests.
type counterRule struct{}

func (counterRule) Name() string { return "counter" }

func (counterRule) Initial() any {
	return map[string]any{"count": float64(0)}
}

func (counterRule) Step(inputs map[rewind.Participant]json.RawMessage, state any) any {
	count := float64(0)
	if m, ok := state.(map[string]any); ok {
		if v, ok := m["count"].(float64); ok {
			count = v
		}
	}

	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		var payload struct {
			Add float64 `json:"add"`
		}
		if err := json.Unmarshal(inputs[rewind.Participant(id)], &payload); err != nil {
			continue
		}
		count += payload.Add
	}
	return map[string]any{"count": count}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(counterRule{}); err != nil {
		t.Fatalf("register rule: %v", err)
	}

	rule, ok := registry.Rule("counter")
	if !ok {
		t.Fatal("expected counter rule to be registered")
	}
	if rule.Name() != "counter" {
		t.Fatalf("rule name = %q, want %q", rule.Name(), "counter")
	}

	if _, ok := registry.Rule("missing"); ok {
		t.Fatal("expected missing rule lookup to fail")
	}
	if _, ok := registry.Rule("  "); ok {
		t.Fatal("expected blank rule lookup to fail")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(counterRule{}); err != nil {
		t.Fatalf("register rule: %v", err)
	}
	if err := registry.Register(counterRule{}); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(namedRule{name: "  "}); err == nil {
		t.Fatal("expected error for empty rule name")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := registry.Register(namedRule{name: name}); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}

	got := registry.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}
}

func TestRegistryNilSafe(t *testing.T) {
	var registry *Registry
	if err := registry.Register(counterRule{}); err == nil {
		t.Fatal("expected error registering on nil registry")
	}
	if _, ok := registry.Rule("counter"); ok {
		t.Fatal("expected lookup on nil registry to fail")
	}
	if names := registry.Names(); names != nil {
		t.Fatalf("names on nil registry = %v, want nil", names)
	}
}

// namedRule is a minimal rule for registry tests.
type namedRule struct {
	name string
}

func (r namedRule) Name() string { return r.name }

func (r namedRule) Initial() any { return map[string]any{} }

func (r namedRule) Step(inputs map[rewind.Participant]json.RawMessage, state any) any {
	return state
}
