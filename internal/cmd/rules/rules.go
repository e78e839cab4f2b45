// Package rules resolves the configured room rule for service commands.
//
// The relay and the replay tool must run the same rule for the same journal,
// so both resolve through this package: built-in rules by name, scripted
// rules from a Lua file.
package rules

import (
	"fmt"
	"os"
	"strings"

	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/relay"
	"github.com/louisbranch/rewind/internal/sim"
	"github.com/louisbranch/rewind/internal/sim/script"
)

// Builtin returns the registry of rules compiled into the binary.
func Builtin() (*relay.Registry, error) {
	registry := relay.NewRegistry()
	if err := registry.Register(sim.NewRule()); err != nil {
		return nil, fmt.Errorf("register arena rule: %w", err)
	}
	return registry, nil
}

// Resolve returns the rule for the given name. When scriptPath is set the
// rule is loaded from that Lua chunk and hosted under the given name;
// otherwise the name is looked up among the built-in rules.
func Resolve(name, scriptPath string) (relay.Rule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "rule name is required")
	}

	if path := strings.TrimSpace(scriptPath); path != "" {
		chunk, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule script: %w", err)
		}
		return script.New(name, string(chunk))
	}

	registry, err := Builtin()
	if err != nil {
		return nil, err
	}
	rule, ok := registry.Rule(name)
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeRuleUnknown, "unknown rule", map[string]string{
			"rule":  name,
			"known": strings.Join(registry.Names(), ","),
		})
	}
	return rule, nil
}
