package harel

import "strings"

// State is the immutable value produced by the transition function. It
// pairs the finite state value with the extended state (context), the
// event that produced it, and the ordered side-effects to execute.
type State struct {
	Value   StateValue
	Context Context
	Event   Event
	// Actions are the side-effects of the step, in exit, transition,
	// entry order. Assigns never appear here: they are applied to
	// Context before the State is returned.
	Actions []Action
	// Activities maps activity id to whether it runs in this state
	Activities map[string]bool
	// History is the previous State, with its own history trimmed
	History *State
	// HistoryValue records, per compound node id, the last active
	// configuration below it, for history-state resolution
	HistoryValue map[string]StateValue
	// Changed reports whether this step fired a transition that altered
	// value, context, or produced actions
	Changed bool
	// Done reports that a top-level final state is active
	Done bool

	machine *Machine
	tree    *StateTree
	config  map[*StateNode]bool
	raised  []Event
}

// Tree returns the state's derived StateTree
func (s *State) Tree() *StateTree {
	return s.tree
}

// Strings enumerates every active path from the root, joined by delim
func (s *State) Strings(delim string) []string {
	if s.tree == nil {
		return nil
	}
	return s.tree.Strings(delim)
}

// Matches reports whether the given partial descriptor is active in this
// state. The descriptor is a StateValue or a dotted path string, e.g.
// "lights.red".
func (s *State) Matches(descriptor any) bool {
	var partial StateValue
	switch d := descriptor.(type) {
	case StateValue:
		partial = d
	case string:
		partial = parseDescriptor(d)
	default:
		return false
	}
	return matchesValue(partial, s.Value)
}

// forHistory returns the state as stored on its successor's History
// field: the chain is cut at depth one so states do not accumulate their
// whole lineage.
func (s *State) forHistory() *State {
	if s == nil {
		return nil
	}
	trimmed := *s
	trimmed.History = nil
	return &trimmed
}

func parseDescriptor(path string) StateValue {
	segs := strings.Split(path, ".")
	v := Leaf(segs[len(segs)-1])
	for i := len(segs) - 2; i >= 0; i-- {
		v = Nested(segs[i], v)
	}
	return v
}

// matchesValue reports whether every path active in partial is active in
// full.
func matchesValue(partial, full StateValue) bool {
	if partial.IsLeaf() {
		if full.IsLeaf() {
			return partial.Name == full.Name
		}
		_, ok := full.Children[partial.Name]
		return ok
	}
	if full.IsLeaf() {
		return false
	}
	for key, sub := range partial.Children {
		fullSub, ok := full.Children[key]
		if !ok || !matchesValue(sub, fullSub) {
			return false
		}
	}
	return true
}
