package principal

import (
	"errors"
	"fmt"

	"github.com/openmeet/federation/pkg/attr"
)

// Principal is the normalized representation of an externally
// authenticated user: the mapped attribute bag plus, once resolved, the
// id of the local account backing it.
type Principal struct {
	Attributes *attr.Bag
	AccountID  string
}

// New wraps a mapped attribute bag into a principal.
func New(bag *attr.Bag) *Principal {
	return &Principal{Attributes: bag}
}

// First returns the canonical value of an attribute.
func (p *Principal) First(name string) (string, bool) {
	return p.Attributes.First(name)
}

// Values returns all values of an attribute.
func (p *Principal) Values(name string) []string {
	return p.Attributes.Values(name)
}

// MissingAttributeError reports that a mandatory attribute was absent
// after mapping. It always aborts authentication; it is never a merely
// logged condition.
type MissingAttributeError struct {
	Name string
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("mandatory attribute %q is missing", e.Name)
}

// IsMissingAttribute reports whether err is a MissingAttributeError and
// returns the attribute name.
func IsMissingAttribute(err error) (string, bool) {
	var missing *MissingAttributeError
	if errors.As(err, &missing) {
		return missing.Name, true
	}
	return "", false
}
