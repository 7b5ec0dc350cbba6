package harel

import (
	"fmt"
	"sort"
	"strings"
)

// StateValue is the normalized representation of an active configuration:
// either a leaf state name or a mapping from child-region key to a nested
// StateValue. Exactly one of Name and Children is set.
type StateValue struct {
	Name     string
	Children map[string]StateValue
}

// Leaf creates a leaf state value
func Leaf(name string) StateValue {
	return StateValue{Name: name}
}

// Compound creates a nested state value
func Compound(children map[string]StateValue) StateValue {
	return StateValue{Children: children}
}

// Nested is shorthand for a single-region nested value, e.g.
// Nested("a", Leaf("b")) for the configuration a.b.
func Nested(key string, child StateValue) StateValue {
	return StateValue{Children: map[string]StateValue{key: child}}
}

// IsLeaf reports whether the value names an atomic state
func (v StateValue) IsLeaf() bool {
	return len(v.Children) == 0
}

// Equals reports structural equality
func (v StateValue) Equals(other StateValue) bool {
	if v.IsLeaf() != other.IsLeaf() {
		return false
	}
	if v.IsLeaf() {
		return v.Name == other.Name
	}
	if len(v.Children) != len(other.Children) {
		return false
	}
	for key, child := range v.Children {
		otherChild, ok := other.Children[key]
		if !ok || !child.Equals(otherChild) {
			return false
		}
	}
	return true
}

func (v StateValue) String() string {
	if v.IsLeaf() {
		return v.Name
	}
	keys := make([]string, 0, len(v.Children))
	for key := range v.Children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, v.Children[key]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
