package attr

import "sort"

// Bag holds the normalized, multi-valued attributes of one externally
// authenticated principal. A key is present only if at least one value
// was added; value order within a key is preserved and the first value
// is the canonical one.
type Bag struct {
	values map[string][]string
}

// NewBag creates an empty attribute bag.
func NewBag() *Bag {
	return &Bag{values: make(map[string][]string)}
}

// Add appends values under the given attribute name. Empty calls are
// ignored so a key never exists with an empty value list.
func (b *Bag) Add(name string, values ...string) {
	if len(values) == 0 {
		return
	}
	b.values[name] = append(b.values[name], values...)
}

// Has reports whether the attribute is present with at least one value.
func (b *Bag) Has(name string) bool {
	return len(b.values[name]) > 0
}

// First returns the canonical (first) value for the attribute, and
// whether the attribute is present.
func (b *Bag) First(name string) (string, bool) {
	vals := b.values[name]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// Values returns all values for the attribute in insertion order. The
// returned slice is a copy; mutating it does not affect the bag.
func (b *Bag) Values(name string) []string {
	vals := b.values[name]
	if len(vals) == 0 {
		return nil
	}
	out := make([]string, len(vals))
	copy(out, vals)
	return out
}

// Names returns the attribute names present in the bag, sorted for
// deterministic iteration.
func (b *Bag) Names() []string {
	names := make([]string, 0, len(b.values))
	for name := range b.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of attributes present.
func (b *Bag) Len() int {
	return len(b.values)
}
