package classifier

import (
	"fmt"

	"github.com/banshee-data/biostate.report/internal/config"
)

// Rule maps a flag predicate to a state. It matches when every AllOf flag
// is set, at least one AnyOf flag is set (when AnyOf is non-empty) and no
// NoneOf flag is set. Fallback rules are the only ones evaluated when a
// hard input is missing.
type Rule struct {
	State    State
	AllOf    []Flag
	AnyOf    []Flag
	NoneOf   []Flag
	Fallback bool
}

// Matches evaluates the rule predicate.
func (r Rule) Matches(f Flags) bool {
	for _, fl := range r.AllOf {
		if !f.Get(fl) {
			return false
		}
	}
	if len(r.AnyOf) > 0 {
		matched := false
		for _, fl := range r.AnyOf {
			if f.Get(fl) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, fl := range r.NoneOf {
		if f.Get(fl) {
			return false
		}
	}
	return true
}

// RulesFromConfig converts configured rules, rejecting unknown flags.
func RulesFromConfig(in []config.RuleConfig) ([]Rule, error) {
	out := make([]Rule, 0, len(in))
	for i, rc := range in {
		r := Rule{State: State(rc.State), Fallback: rc.Fallback}
		var err error
		if r.AllOf, err = parseFlags(rc.AllOf); err != nil {
			return nil, fmt.Errorf("rules[%d] (%s) all_of: %w", i, rc.State, err)
		}
		if r.AnyOf, err = parseFlags(rc.AnyOf); err != nil {
			return nil, fmt.Errorf("rules[%d] (%s) any_of: %w", i, rc.State, err)
		}
		if r.NoneOf, err = parseFlags(rc.NoneOf); err != nil {
			return nil, fmt.Errorf("rules[%d] (%s) none_of: %w", i, rc.State, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func parseFlags(names []string) ([]Flag, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]Flag, len(names))
	for i, n := range names {
		f := Flag(n)
		if !KnownFlag(f) {
			return nil, fmt.Errorf("unknown flag %q", n)
		}
		out[i] = f
	}
	return out, nil
}
