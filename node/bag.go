package node

import (
	"errors"
	"fmt"
	"iter"
	"reflect"
)

var (
	ErrNilProperty        = errors.New("node: nil property")
	ErrDuplicateState     = errors.New("node: property bag already holds a node-state property")
	ErrDuplicateProperty  = errors.New("node: property already present in bag")
	ErrMultipleProperties = errors.New("node: more than one property of the requested type")
)

// PropertyBag is an append-only, insertion-ordered collection of properties.
// At most one StateProperty may be present.
// The zero value is an empty bag ready to use.
type PropertyBag struct {
	items []Property
	state StateProperty
}

// NewPropertyBag returns a bag holding props in order.
func NewPropertyBag(props ...Property) (*PropertyBag, error) {
	b := &PropertyBag{}
	for _, p := range props {
		if err := b.Add(p); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add appends p. It fails when p is a second node-state property or equals a
// property already in the bag.
func (b *PropertyBag) Add(p Property) error {
	if p == nil {
		return ErrNilProperty
	}
	s, isState := p.(StateProperty)
	if isState && b.state != nil {
		return fmt.Errorf("%w: have %s, adding %s", ErrDuplicateState, b.state.ExecutionState(), s.ExecutionState())
	}
	for _, existing := range b.items {
		if sameProperty(existing, p) {
			return fmt.Errorf("%w: %T", ErrDuplicateProperty, p)
		}
	}
	if isState {
		b.state = s
	}
	b.items = append(b.items, p)
	return nil
}

// sameProperty reports whether a and b are equal values of the same comparable type.
func sameProperty(a, b Property) (same bool) {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	// interface fields may still hold incomparable values
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// All iterates over the properties in insertion order.
func (b *PropertyBag) All() iter.Seq[Property] {
	return func(yield func(Property) bool) {
		if b == nil {
			return
		}
		for _, p := range b.items {
			if !yield(p) {
				return
			}
		}
	}
}

func (b *PropertyBag) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// State returns the node-state property, or nil.
func (b *PropertyBag) State() StateProperty {
	if b == nil {
		return nil
	}
	return b.state
}

// clone returns a bag sharing the (immutable) property values but not the slice.
func (b *PropertyBag) clone() *PropertyBag {
	if b == nil {
		return &PropertyBag{}
	}
	items := make([]Property, len(b.items))
	copy(items, b.items)
	return &PropertyBag{items: items, state: b.state}
}

// OfType returns every property of type T in insertion order.
func OfType[T Property](b *PropertyBag) []T {
	var out []T
	for p := range b.All() {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// SingleOrDefault returns the only property of type T, the zero T when there is
// none, or ErrMultipleProperties.
func SingleOrDefault[T Property](b *PropertyBag) (T, error) {
	var zero T
	found := OfType[T](b)
	switch len(found) {
	case 0:
		return zero, nil
	case 1:
		return found[0], nil
	default:
		return zero, fmt.Errorf("%w: %d of %T", ErrMultipleProperties, len(found), zero)
	}
}

// Any reports whether the bag holds a property of type T.
func Any[T Property](b *PropertyBag) bool {
	for p := range b.All() {
		if _, ok := p.(T); ok {
			return true
		}
	}
	return false
}
