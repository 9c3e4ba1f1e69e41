package attr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Map defines how logical attribute names resolve to protocol-specific
// source names (LDAP attribute, OIDC claim, SAML attribute or HTTP
// header). It is configuration and is never mutated at runtime.
type Map map[string]string

// Common logical attribute names used across the federation core.
const (
	AttrExternalID = "external_id"
	AttrUsername   = "username"
	AttrEmail      = "email"
	AttrFirstName  = "first_name"
	AttrLastName   = "last_name"
	AttrDisplay    = "display_name"
	AttrGroups     = "groups"
)

// MapRaw translates a protocol-specific raw payload into a Bag using
// the given attribute map. Source names match raw keys
// case-insensitively. Scalar values contribute a single value, slices
// contribute every element in order. Logical names without a matching
// raw key are simply absent from the result; missing identity keys are
// validated later by the principal layer, not here. The transformation
// is pure and never fails.
func MapRaw(raw map[string]any, m Map) *Bag {
	bag := NewBag()
	for logical, source := range m {
		if source == "" {
			continue
		}
		value, ok := lookupFold(raw, source)
		if !ok {
			continue
		}
		bag.Add(logical, coerce(value)...)
	}
	return bag
}

// lookupFold finds a raw key matching name case-insensitively. An exact
// match wins over a folded one; among multiple folded matches the
// lexicographically smallest key wins, so payloads carrying several
// case variants of the same key always resolve the same way.
func lookupFold(raw map[string]any, name string) (any, bool) {
	if v, ok := raw[name]; ok {
		return v, true
	}
	var matches []string
	for k := range raw {
		if strings.EqualFold(k, name) {
			matches = append(matches, k)
		}
	}
	if len(matches) == 0 {
		return nil, false
	}
	sort.Strings(matches)
	return raw[matches[0]], true
}

// coerce converts a raw attribute value into its string values. Nil and
// unrepresentable values yield nothing rather than an error.
func coerce(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, e := range v {
			out = append(out, coerce(e)...)
		}
		return out
	case bool:
		return []string{strconv.FormatBool(v)}
	case int:
		return []string{strconv.Itoa(v)}
	case int64:
		return []string{strconv.FormatInt(v, 10)}
	case float64:
		// JSON numbers decode as float64; keep integral claims clean.
		if v == float64(int64(v)) {
			return []string{strconv.FormatInt(int64(v), 10)}
		}
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case fmt.Stringer:
		return []string{v.String()}
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}
