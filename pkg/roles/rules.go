package roles

import "regexp"

// MatchMode selects how multiple results are combined: any requires at
// least one true, all requires every one true.
type MatchMode string

const (
	MatchAny MatchMode = "any"
	MatchAll MatchMode = "all"
)

// normalize treats an unset mode as any, the historical default.
func (m MatchMode) normalize() MatchMode {
	if m == MatchAll {
		return MatchAll
	}
	return MatchAny
}

// Condition binds a compiled pattern to one logical attribute. For a
// multi-valued attribute, ValueMatchMode governs how the per-value
// match results aggregate; Negate flips the aggregate meaning (see the
// truth table on evaluateCondition).
type Condition struct {
	Attribute      string
	Pattern        *regexp.Regexp
	Negate         bool
	ValueMatchMode MatchMode
}

// Rule assigns a role name when its conditions hold against an
// attribute bag. Disabled rules and rules without conditions never
// fire. Negate inverts the combined condition result.
type Rule struct {
	Name       string
	Enabled    bool
	MatchMode  MatchMode
	Negate     bool
	Conditions []Condition
}
