package harel

import (
	"fmt"
	"strconv"
	"strings"
)

// Options supplies named implementations referenced by a machine
// definition: actions, guards, activities, and delays. Resolution happens
// once at machine construction.
type Options struct {
	Actions    map[string]Action
	Guards     map[string]GuardFunc
	Activities map[string]ActivityFunc
	Delays     map[string]DelayFunc
}

// Machine is the immutable tree of state nodes. It provides the pure
// transition function: Transition is deterministic and free of I/O.
type Machine struct {
	id      string
	root    *StateNode
	index   map[string]*StateNode
	options *Options
	context Context
}

// NewMachine builds and validates a machine from its definition.
// Definition errors (duplicate ids, missing or unknown initial states,
// malformed transition targets) are raised here, never during transitions.
func NewMachine(cfg *MachineConfig, opts *Options) (*Machine, error) {
	if cfg == nil {
		return nil, &MachineError{Code: ErrCodeInvalidMachine, Message: "nil machine config"}
	}
	if opts == nil {
		opts = &Options{}
	}
	id := cfg.ID
	if id == "" {
		id = "(machine)"
	}
	m := &Machine{
		id:      id,
		index:   map[string]*StateNode{},
		options: opts,
		context: cfg.Context.Clone(),
	}

	order := 0
	rootCfg := &NodeConfig{
		Key:     id,
		ID:      id,
		Type:    cfg.Type,
		Initial: cfg.Initial,
		States:  cfg.States,
		On:      cfg.On,
	}
	configs := map[*StateNode]*NodeConfig{}
	root, err := m.buildNode(rootCfg, nil, &order, configs)
	if err != nil {
		return nil, err
	}
	m.root = root

	// transitions resolve in a second pass so targets can reference any
	// node of the finished tree
	for _, node := range m.nodesInOrder() {
		if err := m.finalizeNode(node, configs[node]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ID returns the machine's id
func (m *Machine) ID() string {
	return m.id
}

// Root returns the root state node
func (m *Machine) Root() *StateNode {
	return m.root
}

// Node looks up a state node by its global id
func (m *Machine) Node(id string) (*StateNode, bool) {
	n, ok := m.index[id]
	return n, ok
}

// Context returns a copy of the machine's declared initial context
func (m *Machine) Context() Context {
	return m.context.Clone()
}

func (m *Machine) buildNode(cfg *NodeConfig, parent *StateNode, order *int, configs map[*StateNode]*NodeConfig) (*StateNode, error) {
	nodeType := cfg.Type
	if nodeType == NodeDefault {
		if len(cfg.States) > 0 {
			nodeType = NodeCompound
		} else {
			nodeType = NodeAtomic
		}
	}

	id := cfg.ID
	var path []string
	if parent != nil {
		path = append(append([]string{}, parent.Path...), cfg.Key)
		if id == "" {
			id = parent.ID + "." + cfg.Key
		}
	}
	if _, exists := m.index[id]; exists {
		return nil, NewDuplicateIDError(id)
	}

	node := &StateNode{
		ID:          id,
		Key:         cfg.Key,
		Path:        path,
		Type:        nodeType,
		Initial:     cfg.Initial,
		History:     cfg.History,
		machine:     m,
		parent:      parent,
		order:       *order,
		children:    map[string]*StateNode{},
		transitions: map[string][]*Transition{},
		activities:  cfg.Activities,
	}
	if parent != nil {
		node.depth = parent.depth + 1
	}
	*order++
	m.index[id] = node
	configs[node] = cfg

	for _, childCfg := range cfg.States {
		if childCfg.Key == "" {
			return nil, &MachineError{Code: ErrCodeInvalidMachine, NodeID: id, Message: "child state without a key"}
		}
		if _, dup := node.children[childCfg.Key]; dup {
			return nil, NewDuplicateIDError(id + "." + childCfg.Key)
		}
		child, err := m.buildNode(childCfg, node, order, configs)
		if err != nil {
			return nil, err
		}
		node.children[childCfg.Key] = child
		node.childOrder = append(node.childOrder, childCfg.Key)
	}

	switch nodeType {
	case NodeCompound:
		if node.Initial == "" {
			return nil, NewMissingInitialError(id)
		}
		init, ok := node.children[node.Initial]
		if !ok || init.Type == NodeHistory {
			return nil, NewUnknownInitialError(id, node.Initial)
		}
	case NodeParallel:
		if len(node.childOrder) == 0 {
			return nil, &MachineError{Code: ErrCodeInvalidMachine, NodeID: id, Message: "parallel state without regions"}
		}
	case NodeHistory:
		if parent == nil {
			return nil, &MachineError{Code: ErrCodeInvalidMachine, NodeID: id, Message: "history state at machine root"}
		}
	}
	return node, nil
}

func (m *Machine) finalizeNode(node *StateNode, cfg *NodeConfig) error {
	opts := m.options

	node.entry = resolveActions(cfg.Entry, opts)
	node.exit = resolveActions(cfg.Exit, opts)

	addTransitions := func(eventType string, defs []TransitionConfig) error {
		for _, def := range defs {
			tr := &Transition{
				Source:   node,
				Event:    eventType,
				Cond:     resolveGuard(def.Cond, opts),
				Actions:  resolveActions(def.Actions, opts),
				Internal: def.Internal,
			}
			for _, target := range def.Target {
				resolved, err := m.resolveTarget(node, target)
				if err != nil {
					return err
				}
				tr.Targets = append(tr.Targets, resolved)
			}
			node.transitions[eventType] = append(node.transitions[eventType], tr)
		}
		return nil
	}

	for _, ec := range cfg.On {
		if err := addTransitions(ec.Event, ec.Transitions); err != nil {
			return err
		}
	}

	// after entries compile into a delayed send on entry, a cancel on
	// exit, and a transition on the reserved after event type
	for _, after := range cfg.After {
		label := after.DelayName
		if label == "" {
			label = strconv.FormatInt(after.Delay.Milliseconds(), 10)
		}
		eventType := afterEvent(label, node.ID)
		sendOpts := []SendOption{SendID(eventType)}
		if after.DelayName != "" {
			sendOpts = append(sendOpts, SendDelayName(after.DelayName))
		} else {
			sendOpts = append(sendOpts, SendDelay(after.Delay))
		}
		node.entry = append(node.entry, Send(NewEvent(eventType), sendOpts...))
		node.exit = append(node.exit, Cancel(eventType))
		if err := addTransitions(eventType, []TransitionConfig{after.Transition}); err != nil {
			return err
		}
	}

	for _, id := range cfg.Activities {
		node.entry = append(node.entry, startActivity(id))
		node.exit = append(node.exit, stopActivity(id))
	}

	if cfg.Invoke != nil {
		if cfg.Invoke.Machine == nil {
			return &MachineError{Code: ErrCodeInvalidMachine, NodeID: node.ID, Message: "invoke without a machine"}
		}
		inv := *cfg.Invoke
		if inv.ID == "" {
			inv.ID = inv.Machine.id
		}
		node.invoke = &inv
		node.entry = append(node.entry, Action{Type: ActionTypeInvoke, kind: actionInvoke, invoke: node.invoke})
		node.exit = append(node.exit, Action{Type: ActionTypeStop, kind: actionStopInvoke, invoke: node.invoke})
		if inv.OnDone != nil {
			if err := addTransitions(doneInvokeEvent(inv.ID), []TransitionConfig{*inv.OnDone}); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveTarget resolves a transition target string against the source
// node. Targets are relative (sibling key), descendant (".child") or
// absolute ("#machineId.path.to.state").
func (m *Machine) resolveTarget(source *StateNode, target string) (*StateNode, error) {
	fail := func() (*StateNode, error) {
		return nil, NewMalformedTargetError(source.ID, target)
	}
	if target == "" {
		return fail()
	}

	descend := func(base *StateNode, keys []string) (*StateNode, bool) {
		cur := base
		for _, key := range keys {
			next, ok := cur.children[key]
			if !ok {
				return nil, false
			}
			cur = next
		}
		return cur, true
	}

	if strings.HasPrefix(target, "#") {
		rest := strings.TrimPrefix(target, "#")
		if node, ok := m.index[rest]; ok {
			return node, nil
		}
		segs := strings.Split(rest, ".")
		for i := len(segs) - 1; i >= 1; i-- {
			prefix := strings.Join(segs[:i], ".")
			base, ok := m.index[prefix]
			if !ok {
				continue
			}
			if node, ok := descend(base, segs[i:]); ok {
				return node, nil
			}
		}
		return fail()
	}

	if strings.HasPrefix(target, ".") {
		keys := strings.Split(strings.TrimPrefix(target, "."), ".")
		if node, ok := descend(source, keys); ok {
			return node, nil
		}
		return fail()
	}

	base := source.parent
	if base == nil {
		base = source
	}
	if node, ok := descend(base, strings.Split(target, ".")); ok {
		return node, nil
	}
	return fail()
}

func (m *Machine) nodesInOrder() []*StateNode {
	out := make([]*StateNode, 0, len(m.index))
	var walk func(n *StateNode)
	walk = func(n *StateNode) {
		out = append(out, n)
		for _, key := range n.childOrder {
			walk(n.children[key])
		}
	}
	walk(m.root)
	return out
}

// InitialState resolves the machine's default configuration and collects
// its entry actions, with assigns already applied to the initial context.
func (m *Machine) InitialState() (*State, error) {
	return m.initialStateWithContext(m.context.Clone())
}

func (m *Machine) initialStateWithContext(ctx Context) (*State, error) {
	tree, err := resolveTree(m.root, StateValue{})
	if err != nil {
		return nil, err
	}
	config := map[*StateNode]bool{}
	tree.addToConfig(config)

	var actions []Action
	var walk func(t *StateTree)
	walk = func(t *StateTree) {
		actions = append(actions, t.node.entry...)
		for _, key := range t.node.childOrder {
			if child, ok := t.children[key]; ok {
				walk(child)
			}
		}
	}
	for _, key := range m.root.childOrder {
		if child, ok := tree.children[key]; ok {
			walk(child)
		}
	}

	event := NewEvent(InitEvent)
	ctx, surfaced := applyAssigns(ctx, event, actions)
	state := &State{
		Value:        tree.Value(),
		Context:      ctx,
		Event:        event,
		Actions:      surfaced,
		Activities:   activitiesOf(config, nil),
		HistoryValue: map[string]StateValue{},
		machine:      m,
		tree:         tree,
		config:       config,
	}
	state.Done = m.isDone(config)
	state.raised = m.doneEvents(config, enteredFinals(config))
	return state, nil
}

// StateFromValue normalizes a state value into a full State using the
// machine's declared context.
func (m *Machine) StateFromValue(v StateValue) (*State, error) {
	tree, err := resolveTree(m.root, v)
	if err != nil {
		return nil, err
	}
	config := map[*StateNode]bool{}
	tree.addToConfig(config)
	return &State{
		Value:        tree.Value(),
		Context:      m.context.Clone(),
		Event:        NewEvent(InitEvent),
		Activities:   activitiesOf(config, nil),
		HistoryValue: map[string]StateValue{},
		machine:      m,
		tree:         tree,
		config:       config,
	}, nil
}

// toState accepts the shapes Transition can start from: a *State, a
// StateValue, or a bare state name.
func (m *Machine) toState(from any) (*State, error) {
	switch v := from.(type) {
	case *State:
		return v, nil
	case State:
		return &v, nil
	case StateValue:
		return m.StateFromValue(v)
	case string:
		return m.StateFromValue(Leaf(v))
	case nil:
		return m.InitialState()
	default:
		return nil, &StateError{Code: ErrCodeInvalidStateValue, Message: fmt.Sprintf("cannot interpret %T as a state", from)}
	}
}

// Transition computes the next state for an event. It is pure: the
// current state is not modified, no side-effects run, and the returned
// State carries the ordered action list for the caller to execute.
// Assign actions are already applied to the returned context and removed
// from the surfaced list.
func (m *Machine) Transition(from any, event any) (*State, error) {
	current, err := m.toState(from)
	if err != nil {
		return nil, err
	}
	if current.machine == nil {
		current.machine = m
	}
	if current.tree == nil {
		tree, err := resolveTree(m.root, current.Value)
		if err != nil {
			return nil, err
		}
		current.tree = tree
		current.config = map[*StateNode]bool{}
		tree.addToConfig(current.config)
	}
	ev := toEvent(event)

	selected, err := m.selectTransitions(current, ev)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		next := &State{
			Value:        current.Value,
			Context:      current.Context,
			Event:        ev,
			Activities:   current.Activities,
			History:      current.forHistory(),
			HistoryValue: current.HistoryValue,
			Changed:      false,
			Done:         current.Done,
			machine:      m,
			tree:         current.tree,
			config:       current.config,
		}
		return next, nil
	}

	config := current.config
	historyValue := cloneHistoryValue(current.HistoryValue)

	exitSet := map[*StateNode]bool{}
	enteredSet := map[*StateNode]bool{}
	newConfig := map[*StateNode]bool{}
	for n := range config {
		newConfig[n] = true
	}
	var committed []*Transition

	for _, tr := range selected {
		if len(tr.Targets) == 0 {
			committed = append(committed, tr)
			continue
		}
		if exitSet[tr.Source] {
			continue
		}
		domain := m.transitionDomain(tr)
		trExits := map[*StateNode]bool{}
		conflict := false
		for n := range config {
			if domain.isProperAncestorOf(n) {
				if exitSet[n] {
					conflict = true
					break
				}
				trExits[n] = true
			}
		}
		if conflict {
			continue
		}

		// snapshot history for exited compound and parallel ancestors
		// before the configuration changes
		for n := range trExits {
			if n.Type == NodeCompound || n.Type == NodeParallel {
				historyValue[n.ID] = treeFromConfig(n, config).Value()
			}
		}

		targetValue := StateValue{}
		for _, t := range tr.Targets {
			v, err := m.targetValue(domain, t, historyValue)
			if err != nil {
				return nil, err
			}
			targetValue = mergeValues(targetValue, v)
		}
		domainTree, err := resolveTree(domain, targetValue)
		if err != nil {
			return nil, err
		}
		domainNodes := map[*StateNode]bool{}
		domainTree.addToConfig(domainNodes)

		for n := range trExits {
			exitSet[n] = true
			delete(newConfig, n)
		}
		for n := range domainNodes {
			if n == domain {
				continue
			}
			if !newConfig[n] || exitSet[n] {
				enteredSet[n] = true
			}
			newConfig[n] = true
		}
		committed = append(committed, tr)
	}

	if len(committed) == 0 {
		next := &State{
			Value:        current.Value,
			Context:      current.Context,
			Event:        ev,
			Activities:   current.Activities,
			History:      current.forHistory(),
			HistoryValue: current.HistoryValue,
			machine:      m,
			tree:         current.tree,
			config:       current.config,
		}
		return next, nil
	}

	newTree := treeFromConfig(m.root, newConfig)

	// exit actions child-to-parent, regions in declaration order
	var actions []Action
	var exitWalk func(t *StateTree)
	exitWalk = func(t *StateTree) {
		for _, key := range t.node.childOrder {
			if child, ok := t.children[key]; ok {
				exitWalk(child)
			}
		}
		if exitSet[t.node] {
			actions = append(actions, t.node.exit...)
		}
	}
	exitWalk(current.tree)

	// transition actions in declaration order across regions
	for _, tr := range committed {
		actions = append(actions, tr.Actions...)
	}

	// entry actions parent-to-child
	var entryWalk func(t *StateTree)
	entryWalk = func(t *StateTree) {
		if enteredSet[t.node] {
			actions = append(actions, t.node.entry...)
		}
		for _, key := range t.node.childOrder {
			if child, ok := t.children[key]; ok {
				entryWalk(child)
			}
		}
	}
	entryWalk(newTree)

	nextCtx, surfaced := applyAssigns(current.Context, ev, actions)

	valueChanged := !newTree.Equals(current.tree)
	ctxChanged := len(surfaced) != len(actions) // an assign was applied
	next := &State{
		Value:        newTree.Value(),
		Context:      nextCtx,
		Event:        ev,
		Actions:      surfaced,
		Activities:   activitiesOf(newConfig, current.Activities),
		History:      current.forHistory(),
		HistoryValue: historyValue,
		Changed:      valueChanged || ctxChanged || len(surfaced) > 0,
		machine:      m,
		tree:         newTree,
		config:       newConfig,
	}
	next.Done = m.isDone(newConfig)

	finals := make([]*StateNode, 0)
	for n := range enteredSet {
		if n.Type == NodeFinal {
			finals = append(finals, n)
		}
	}
	next.raised = m.doneEvents(newConfig, finals)
	return next, nil
}

// selectTransitions walks upward from each active atomic state, trying
// the event's transitions (then the wildcard) at every ancestor; the
// first transition whose guard passes is selected for that branch.
func (m *Machine) selectTransitions(current *State, ev Event) ([]*Transition, error) {
	leaves := current.tree.leaves(nil)
	var selected []*Transition
	seen := map[*Transition]bool{}
	for _, leaf := range leaves {
		var pick *Transition
	branch:
		for n := leaf; n != nil; n = n.parent {
			for _, eventType := range []string{ev.Type, WildcardEvent} {
				// the wildcard never matches itself or the null event
				if eventType == WildcardEvent && (ev.Type == WildcardEvent || ev.Type == NullEvent) {
					continue
				}
				for _, tr := range n.transitions[eventType] {
					ok, err := evalGuard(tr.Cond, current.Context, ev)
					if err != nil {
						return nil, err
					}
					if ok {
						pick = tr
						break branch
					}
				}
			}
		}
		if pick != nil && !seen[pick] {
			seen[pick] = true
			selected = append(selected, pick)
		}
	}
	return selected, nil
}

func evalGuard(g *Guard, ctx Context, ev Event) (bool, error) {
	if g == nil {
		return true, nil
	}
	if g.Fn == nil {
		return false, &GuardError{Guard: g.Name, Event: ev.Type, Err: fmt.Errorf("no guard implementation named '%s'", g.Name)}
	}
	ok, err := g.Fn(ctx, ev)
	if err != nil {
		name := g.Name
		if name == "" {
			name = "(anonymous)"
		}
		return false, &GuardError{Guard: name, Event: ev.Type, Err: err}
	}
	return ok, nil
}

// transitionDomain finds the least compound ancestor containing source
// and every target. Internal transitions whose targets stay inside the
// source use the source itself, skipping its exit and entry.
func (m *Machine) transitionDomain(tr *Transition) *StateNode {
	if tr.Internal {
		inside := true
		for _, t := range tr.Targets {
			if !t.isDescendantOf(tr.Source) {
				inside = false
				break
			}
		}
		if inside {
			return tr.Source
		}
	}
	for a := tr.Source.parent; a != nil; a = a.parent {
		if a.Type == NodeParallel {
			continue
		}
		all := true
		for _, t := range tr.Targets {
			if !a.isProperAncestorOf(t) {
				all = false
				break
			}
		}
		if all {
			return a
		}
	}
	return m.root
}

// targetValue builds the partial state value that entering the target
// splices into the domain's subtree. History targets resolve to the
// recorded value for their parent, falling back to defaults.
func (m *Machine) targetValue(domain *StateNode, target *StateNode, historyValue map[string]StateValue) (StateValue, error) {
	node := target
	sub := StateValue{}
	if target.Type == NodeHistory {
		node = target.parent
		if recorded, ok := historyValue[node.ID]; ok {
			if target.History == HistoryShallow {
				sub = shallowValue(recorded)
			} else {
				sub = recorded
			}
		}
	}
	if !node.isDescendantOf(domain) {
		return StateValue{}, NewMalformedTargetError(domain.ID, target.ID)
	}
	keys := node.Path[len(domain.Path):]
	v := sub
	for i := len(keys) - 1; i >= 0; i-- {
		if v.isZero() {
			v = Leaf(keys[i])
		} else {
			v = Nested(keys[i], v)
		}
	}
	return v, nil
}

// shallowValue keeps only the immediate child of a recorded history
// value; deeper levels re-resolve along defaults.
func shallowValue(v StateValue) StateValue {
	if v.IsLeaf() {
		return v
	}
	if len(v.Children) == 1 {
		for key := range v.Children {
			return Leaf(key)
		}
	}
	return v
}

func (v StateValue) isZero() bool {
	return v.Name == "" && v.Children == nil
}

// mergeValues merges partial state values, preferring b where both
// specify a leaf.
func mergeValues(a, b StateValue) StateValue {
	if a.isZero() {
		return b
	}
	if b.isZero() {
		return a
	}
	if a.IsLeaf() || b.IsLeaf() {
		return b
	}
	children := map[string]StateValue{}
	for k, v := range a.Children {
		children[k] = v
	}
	for k, v := range b.Children {
		if existing, ok := children[k]; ok {
			children[k] = mergeValues(existing, v)
		} else {
			children[k] = v
		}
	}
	return Compound(children)
}

// applyAssigns walks the action list applying every assign to a working
// context, in order. Assigns are removed from the surfaced list: they
// are context updates, not side-effects.
func applyAssigns(ctx Context, ev Event, actions []Action) (Context, []Action) {
	working := ctx
	var surfaced []Action
	for _, a := range actions {
		if a.kind == actionAssign {
			if a.assigner != nil {
				working = a.assigner(working, ev)
			}
			continue
		}
		surfaced = append(surfaced, a)
	}
	return working, surfaced
}

func activitiesOf(config map[*StateNode]bool, previous map[string]bool) map[string]bool {
	out := map[string]bool{}
	for id := range previous {
		out[id] = false
	}
	for n := range config {
		for _, id := range n.activities {
			out[id] = true
		}
	}
	return out
}

func cloneHistoryValue(hv map[string]StateValue) map[string]StateValue {
	out := make(map[string]StateValue, len(hv))
	for k, v := range hv {
		out[k] = v
	}
	return out
}

func enteredFinals(config map[*StateNode]bool) []*StateNode {
	var finals []*StateNode
	for n := range config {
		if n.Type == NodeFinal {
			finals = append(finals, n)
		}
	}
	return finals
}

// isDone reports whether the machine as a whole has completed: a
// top-level final state is active, or every region of a parallel root is
// in a final state.
func (m *Machine) isDone(config map[*StateNode]bool) bool {
	return m.inFinalState(m.root, config)
}

func (m *Machine) inFinalState(n *StateNode, config map[*StateNode]bool) bool {
	switch n.Type {
	case NodeCompound:
		for _, key := range n.childOrder {
			child := n.children[key]
			if config[child] && child.Type == NodeFinal {
				return true
			}
		}
		return false
	case NodeParallel:
		for _, key := range n.childOrder {
			child := n.children[key]
			if child.Type == NodeHistory {
				continue
			}
			if !m.inFinalState(child, config) {
				return false
			}
		}
		return true
	}
	return false
}

// doneEvents computes the done.state events raised by entering final
// states: one for the immediate compound parent, cascading to parallel
// grandparents whose regions have all completed.
func (m *Machine) doneEvents(config map[*StateNode]bool, finals []*StateNode) []Event {
	var raised []Event
	emitted := map[string]bool{}
	for _, f := range finals {
		parent := f.parent
		if parent == nil || parent == m.root {
			continue
		}
		if parent.Type == NodeCompound && !emitted[parent.ID] {
			emitted[parent.ID] = true
			raised = append(raised, NewEvent(doneStateEvent(parent.ID)))
		}
		if gp := parent.parent; gp != nil && gp != m.root && gp.Type == NodeParallel {
			if m.inFinalState(gp, config) && !emitted[gp.ID] {
				emitted[gp.ID] = true
				raised = append(raised, NewEvent(doneStateEvent(gp.ID)))
			}
		}
	}
	return raised
}
