// Package script hosts rollback rules written in Lua.
//
// A chunk defines a global update(inputs, state) function and may set a
// global initial value for frame zero. Inputs and states cross the boundary
// as JSON-shaped Lua tables: maps, arrays, strings, numbers, booleans, nil.
//
// Determinism is the script's responsibility. pairs() iteration order is not
// stable; scripts should walk inputs through Sim.sorted_ids instead.
package script

import (
	"encoding/json"
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"

	"github.com/louisbranch/rewind"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/relay"
)

const updateFunction = "update"

// Rule runs a Lua-defined update function as a room rule.
//
// The interpreter is single threaded, so calls from concurrent rooms
// serialize on an internal mutex.
type Rule struct {
	name    string
	initial any

	mu sync.Mutex
	vm *lua.State
}

var _ relay.Rule = (*Rule)(nil)

// New compiles a Lua chunk into a rule. The chunk must define a global
// update(inputs, state) function. A global initial value, when set, becomes
// the frame-zero state; rooms start from an empty table otherwise.
func New(name, chunk string) (*Rule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "script rule name is required")
	}

	vm := lua.NewState()
	lua.OpenLibraries(vm)
	registerHelpers(vm)

	if err := lua.LoadString(vm, chunk); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRuleFailed, "load rule script", err)
	}
	if err := vm.ProtectedCall(0, 0, 0); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRuleFailed, "run rule script", err)
	}

	vm.Global(updateFunction)
	defined := vm.TypeOf(-1) == lua.TypeFunction
	vm.Pop(1)
	if !defined {
		return nil, apperrors.New(apperrors.CodeRuleFailed, "rule script must define update(inputs, state)")
	}

	vm.Global("initial")
	initial := toGoValue(vm, -1)
	vm.Pop(1)
	if initial == nil {
		initial = map[string]any{}
	}

	return &Rule{name: name, initial: initial, vm: vm}, nil
}

// Name identifies the rule in configuration and journal records.
func (r *Rule) Name() string { return r.name }

// Initial returns the frame-zero state declared by the chunk. States are
// immutable values throughout the system, so the same value serves every
// room.
func (r *Rule) Initial() any { return r.initial }

// Step calls the chunk's update function with the frame's inputs and the
// prior state and returns the converted result. A script error leaves the
// state unchanged, so replays of the failing frame stay deterministic.
func (r *Rule) Step(inputs map[rewind.Participant]json.RawMessage, state any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.vm.Top()
	r.vm.Global(updateFunction)
	pushInputs(r.vm, inputs)
	pushValue(r.vm, state)
	if err := r.vm.ProtectedCall(2, 1, 0); err != nil {
		r.vm.SetTop(base)
		log.Printf("script: rule %q update failed: %v", r.name, err)
		return state
	}
	next := toGoValue(r.vm, -1)
	r.vm.SetTop(base)
	return next
}

// registerHelpers installs the Sim global the chunk can use for
// deterministic iteration.
func registerHelpers(vm *lua.State) {
	vm.NewTable()
	lua.SetFunctions(vm, helperFunctions, 0)
	vm.SetGlobal("Sim")
}

var helperFunctions = []lua.RegistryFunction{
	{Name: "sorted_ids", Function: sortedIDsHelper},
}

// sortedIDsHelper returns the string keys of a table as a sorted array, so
// scripts can fold inputs in a stable order.
func sortedIDsHelper(vm *lua.State) int {
	lua.CheckType(vm, 1, lua.TypeTable)
	index := vm.AbsIndex(1)

	var keys []string
	vm.PushNil()
	for vm.Next(index) {
		if vm.TypeOf(-2) == lua.TypeString {
			key, _ := vm.ToString(-2)
			keys = append(keys, key)
		}
		vm.Pop(1)
	}
	sort.Strings(keys)

	vm.NewTable()
	for i, key := range keys {
		vm.PushString(key)
		vm.RawSetInt(-2, i+1)
	}
	return 1
}

// pushInputs builds the inputs table keyed by participant id. Inputs that
// fail to decode are left out of the table.
func pushInputs(vm *lua.State, inputs map[rewind.Participant]json.RawMessage) {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	vm.NewTable()
	for _, pid := range ids {
		var decoded any
		if err := json.Unmarshal(inputs[rewind.Participant(pid)], &decoded); err != nil {
			continue
		}
		pushValue(vm, decoded)
		vm.SetField(-2, pid)
	}
}

// pushValue converts a JSON-shaped Go value to a Lua value on the stack.
func pushValue(vm *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		vm.PushNil()
	case bool:
		vm.PushBoolean(v)
	case int:
		vm.PushInteger(v)
	case int64:
		vm.PushInteger(int(v))
	case float64:
		vm.PushNumber(v)
	case string:
		vm.PushString(v)
	case []any:
		vm.NewTable()
		for i, item := range v {
			pushValue(vm, item)
			vm.RawSetInt(-2, i+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		vm.NewTable()
		for _, key := range keys {
			pushValue(vm, v[key])
			vm.SetField(-2, key)
		}
	default:
		vm.PushNil()
	}
}

// toGoValue converts a Lua value to its JSON-shaped Go form. Functions,
// userdata, and threads have no JSON shape and convert to nil.
func toGoValue(vm *lua.State, index int) any {
	switch vm.TypeOf(index) {
	case lua.TypeString:
		value, _ := vm.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := vm.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return vm.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(vm, index)
	default:
		return nil
	}
}

// tableToGo converts a table with contiguous 1..n integer keys to a slice
// and any other table to a map keyed by its string keys.
func tableToGo(vm *lua.State, index int) any {
	index = vm.AbsIndex(index)

	isArray := true
	maxIndex := 0
	count := 0
	vm.PushNil()
	for vm.Next(index) {
		if isArray {
			if vm.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := vm.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		vm.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			vm.RawGetInt(index, i)
			result = append(result, toGoValue(vm, -1))
			vm.Pop(1)
		}
		return result
	}

	return tableToMap(vm, index)
}

func tableToMap(vm *lua.State, index int) map[string]any {
	output := map[string]any{}
	index = vm.AbsIndex(index)
	vm.PushNil()
	for vm.Next(index) {
		if vm.TypeOf(-2) == lua.TypeString {
			key, _ := vm.ToString(-2)
			output[key] = toGoValue(vm, -1)
		}
		vm.Pop(1)
	}
	return output
}

// normalizeNumber keeps whole numbers as ints so canonical JSON renders
// them without a fraction.
func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 {
		return int(value)
	}
	return value
}
