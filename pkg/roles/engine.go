package roles

import (
	"github.com/openmeet/federation/pkg/attr"
)

// Engine evaluates declarative role rules against an attribute bag. It
// is pure: deciding which roles an account should gain or lose is done
// here, applying that decision is the account store's job.
type Engine struct{}

// NewEngine creates a rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate returns the set of role names whose rules fire against the
// bag. Disabled rules and rules without conditions are skipped.
func (e *Engine) Evaluate(bag *attr.Bag, rules []Rule) map[string]struct{} {
	out := make(map[string]struct{})
	for _, rule := range rules {
		if !rule.Enabled || len(rule.Conditions) == 0 {
			continue
		}
		if e.evaluateRule(bag, rule) {
			out[rule.Name] = struct{}{}
		}
	}
	return out
}

func (e *Engine) evaluateRule(bag *attr.Bag, rule Rule) bool {
	var fired bool
	switch rule.MatchMode.normalize() {
	case MatchAll:
		fired = true
		for _, cond := range rule.Conditions {
			if !evaluateCondition(bag, cond) {
				fired = false
				break
			}
		}
	default:
		for _, cond := range rule.Conditions {
			if evaluateCondition(bag, cond) {
				fired = true
				break
			}
		}
	}
	if rule.Negate {
		fired = !fired
	}
	return fired
}

// evaluateCondition applies the pattern to every value of the bound
// attribute. The negate/mode combinations follow this table:
//
//	all + negate:  true iff no value matches
//	all:           true iff every value matches
//	any + negate:  true iff at least one value does not match
//	any:           true iff at least one value matches
//
// An absent attribute is always false, negate or not.
func evaluateCondition(bag *attr.Bag, cond Condition) bool {
	values := bag.Values(cond.Attribute)
	if len(values) == 0 || cond.Pattern == nil {
		return false
	}

	matched := 0
	for _, v := range values {
		if cond.Pattern.MatchString(v) {
			matched++
		}
	}

	switch cond.ValueMatchMode.normalize() {
	case MatchAll:
		if cond.Negate {
			return matched == 0
		}
		return matched == len(values)
	default:
		if cond.Negate {
			return matched < len(values)
		}
		return matched > 0
	}
}
