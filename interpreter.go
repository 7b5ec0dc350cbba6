package harel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InterpreterStatus tracks the interpreter lifecycle
type InterpreterStatus int

const (
	// StatusNotStarted means Start has not been called; sending fails
	StatusNotStarted InterpreterStatus = iota
	// StatusRunning means events are accepted and processed
	StatusRunning
	// StatusStopped means events are silently dropped
	StatusStopped
)

// InterpreterOption configures an interpreter at construction
type InterpreterOption func(*Interpreter)

// WithClock substitutes the timer source; pass a SimulatedClock for
// deterministic tests.
func WithClock(c Clock) InterpreterOption {
	return func(i *Interpreter) { i.clock = c }
}

// WithLogger substitutes the log sink
func WithLogger(l Logger) InterpreterOption {
	return func(i *Interpreter) { i.logger = l }
}

// WithID overrides the interpreter's externally-visible id, which
// defaults to the machine's id.
func WithID(id string) InterpreterOption {
	return func(i *Interpreter) { i.id = id }
}

// WithExecute toggles automatic action execution. When false, the
// interpreter only applies assigns; callers run the remaining actions
// through Execute.
func WithExecute(execute bool) InterpreterOption {
	return func(i *Interpreter) { i.execute = execute }
}

func withParent(parent *Interpreter) InterpreterOption {
	return func(i *Interpreter) { i.parent = parent }
}

func withInitialContext(ctx Context) InterpreterOption {
	return func(i *Interpreter) { i.initialContext = ctx }
}

// Interpreter drives a Machine over time: it owns the event queues,
// run-to-completion processing, delayed event scheduling, activity
// lifecycle, observer notification, and invoked child services.
//
// All observable transitions run on a single logical executor. The
// mutex guards the queues and tables; action execution and listener
// notification happen outside it so re-entrant sends enqueue and return.
type Interpreter struct {
	machine *Machine
	id      string
	// sessionID uniquely identifies this service instance
	sessionID string
	clock     Clock
	logger    Logger
	execute   bool
	parent    *Interpreter

	mu             sync.Mutex
	status         InterpreterStatus
	state          *State
	internal       []Event
	external       []Event
	processing     bool
	timers         map[string]TimerHandle
	activities     map[string]DisposeFunc
	children       map[string]*childService
	childOrder     []string
	initialContext Context

	listeners listenerRegistry
}

// NewInterpreter creates an interpreter for the machine. It does not
// start processing until Start is called.
func NewInterpreter(machine *Machine, opts ...InterpreterOption) *Interpreter {
	i := &Interpreter{
		machine:    machine,
		id:         machine.id,
		sessionID:  uuid.New().String(),
		clock:      NewWallClock(),
		execute:    true,
		timers:     map[string]TimerHandle{},
		activities: map[string]DisposeFunc{},
		children:   map[string]*childService{},
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = NewStdLogger(i.id)
	}
	return i
}

// Interpret is shorthand for NewInterpreter
func Interpret(machine *Machine, opts ...InterpreterOption) *Interpreter {
	return NewInterpreter(machine, opts...)
}

// ID returns the interpreter's externally-visible id
func (i *Interpreter) ID() string { return i.id }

// SessionID returns the unique id of this service instance
func (i *Interpreter) SessionID() string { return i.sessionID }

// Clock returns the interpreter's timer source
func (i *Interpreter) Clock() Clock { return i.clock }

// Machine returns the machine being interpreted
func (i *Interpreter) Machine() *Machine { return i.machine }

// Status returns the current lifecycle state
func (i *Interpreter) Status() InterpreterStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// State returns the last committed state
func (i *Interpreter) State() *State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// InitialState returns the machine's initial state
func (i *Interpreter) InitialState() (*State, error) {
	if i.initialContext != nil {
		return i.machine.initialStateWithContext(i.initialContext.Clone())
	}
	return i.machine.InitialState()
}

// OnTransition registers a listener notified once per step, after
// context and activities are updated and before the next event is
// dequeued. The first notification after Start carries the initial
// state with the xstate.init event.
func (i *Interpreter) OnTransition(l TransitionListener) *Interpreter {
	i.listeners.addTransition(l)
	return i
}

// Off removes a previously registered transition listener
func (i *Interpreter) Off(l TransitionListener) *Interpreter {
	i.listeners.removeTransition(l)
	return i
}

// OnDone registers a listener notified when the machine reaches a
// top-level final state, just before the interpreter stops.
func (i *Interpreter) OnDone(l DoneListener) *Interpreter {
	i.listeners.addDone(l)
	return i
}

// Start resolves the initial state, executes its entry actions, and
// notifies listeners. It is idempotent while running.
func (i *Interpreter) Start() error {
	i.mu.Lock()
	if i.status == StatusRunning {
		i.mu.Unlock()
		return nil
	}
	i.status = StatusRunning
	i.processing = true
	i.mu.Unlock()

	initial, err := i.InitialState()
	if err != nil {
		i.endProcessing()
		return err
	}
	if err := i.commit(initial, initial.Event); err != nil {
		i.endProcessing()
		return err
	}
	if err := i.flushTransient(); err != nil {
		i.endProcessing()
		return err
	}
	return i.run()
}

// Stop cancels all pending timers, disposes running activities, stops
// invoked children, and drops any queued events. Further sends are
// silently ignored.
func (i *Interpreter) Stop() error {
	i.mu.Lock()
	if i.status != StatusRunning {
		i.mu.Unlock()
		return nil
	}
	i.status = StatusStopped
	timers := i.timers
	activities := i.activities
	children := i.children
	i.timers = map[string]TimerHandle{}
	i.activities = map[string]DisposeFunc{}
	i.children = map[string]*childService{}
	i.childOrder = nil
	i.internal = nil
	i.external = nil
	i.mu.Unlock()

	for _, handle := range timers {
		i.clock.ClearTimeout(handle)
	}
	for _, dispose := range activities {
		dispose()
	}
	for _, child := range children {
		_ = child.interp.Stop()
	}
	return nil
}

// Send appends an event to the external queue and, unless a macrostep
// is already in progress, drains both queues to completion. Re-entrant
// sends from inside actions or listeners enqueue and return.
func (i *Interpreter) Send(event any) error {
	ev := toEvent(event)
	i.mu.Lock()
	switch i.status {
	case StatusNotStarted:
		i.mu.Unlock()
		return NewNotStartedError(i.id)
	case StatusStopped:
		i.mu.Unlock()
		return nil
	}
	i.external = append(i.external, ev)
	if i.processing {
		i.mu.Unlock()
		return nil
	}
	i.processing = true
	i.mu.Unlock()
	return i.run()
}

// SendAll enqueues a batch of events and drains them in one macrostep
// sequence.
func (i *Interpreter) SendAll(events ...any) error {
	i.mu.Lock()
	switch i.status {
	case StatusNotStarted:
		i.mu.Unlock()
		return NewNotStartedError(i.id)
	case StatusStopped:
		i.mu.Unlock()
		return nil
	}
	for _, event := range events {
		i.external = append(i.external, toEvent(event))
	}
	if i.processing {
		i.mu.Unlock()
		return nil
	}
	i.processing = true
	i.mu.Unlock()
	return i.run()
}

// NextState previews the transition for an event without mutating the
// interpreter: no queues change and no actions fire.
func (i *Interpreter) NextState(event any) (*State, error) {
	return i.machine.Transition(i.State(), toEvent(event))
}

// Execute runs a state's actions. It is the manual counterpart used
// with WithExecute(false); assigns are always applied by the transition
// itself and never appear in state.Actions.
func (i *Interpreter) Execute(state *State) error {
	return i.executeActions(state.Actions, state)
}

// Matches reports whether the descriptor is active in the current state
func (i *Interpreter) Matches(descriptor any) bool {
	state := i.State()
	if state == nil {
		return false
	}
	return state.Matches(descriptor)
}

// run drains the queues: internal events first, then one external
// event, repeating until both are empty or the interpreter stops.
func (i *Interpreter) run() error {
	defer i.endProcessing()
	for {
		i.mu.Lock()
		if i.status != StatusRunning {
			i.mu.Unlock()
			return nil
		}
		var ev Event
		var isExternal bool
		switch {
		case len(i.internal) > 0:
			ev = i.internal[0]
			i.internal = i.internal[1:]
		case len(i.external) > 0:
			ev = i.external[0]
			i.external = i.external[1:]
			isExternal = true
		default:
			i.mu.Unlock()
			return nil
		}
		children := i.forwardTargets()
		i.mu.Unlock()

		if isExternal && !isBuiltinEvent(ev.Type) {
			for _, child := range children {
				if err := child.interp.Send(ev); err != nil {
					i.logger.Log(fmt.Sprintf("forward to '%s' failed: %v", child.id, err))
				}
			}
		}
		if err := i.step(ev); err != nil {
			return err
		}
	}
}

func (i *Interpreter) endProcessing() {
	i.mu.Lock()
	i.processing = false
	i.mu.Unlock()
}

// step runs one microstep plus its transient cascade. On guard or
// action errors the interpreter stays at the last committed state.
func (i *Interpreter) step(ev Event) error {
	next, err := i.machine.Transition(i.State(), ev)
	if err != nil {
		return err
	}
	if err := i.commit(next, ev); err != nil {
		return err
	}
	return i.flushTransient()
}

// flushTransient attempts eventless transitions until none are enabled
func (i *Interpreter) flushTransient() error {
	for {
		i.mu.Lock()
		running := i.status == StatusRunning
		i.mu.Unlock()
		if !running {
			return nil
		}
		next, err := i.machine.Transition(i.State(), NewEvent(NullEvent))
		if err != nil {
			return err
		}
		if !next.Changed {
			return nil
		}
		if err := i.commit(next, next.Event); err != nil {
			return err
		}
	}
}

// commit installs the new state, executes its actions, enqueues raised
// events, and notifies listeners.
func (i *Interpreter) commit(next *State, ev Event) error {
	i.mu.Lock()
	i.state = next
	i.mu.Unlock()

	if i.execute {
		if err := i.executeActions(next.Actions, next); err != nil {
			return err
		}
	}
	for _, raised := range next.raised {
		i.enqueueInternal(raised)
	}
	i.listeners.notifyTransition(next, ev)
	if next.Done {
		i.finish(next)
	}
	return nil
}

// finish notifies done listeners and stops the interpreter. An invoked
// child additionally reports done.invoke to its parent.
func (i *Interpreter) finish(final *State) {
	doneEvent := Event{Type: doneInvokeEvent(i.id), Data: final.Context}
	i.listeners.notifyDone(final, doneEvent)
	parent := i.parent
	_ = i.Stop()
	if parent != nil {
		parent.childDone(i.id, doneEvent)
	}
}

func (i *Interpreter) executeActions(actions []Action, state *State) error {
	for _, action := range actions {
		if err := i.executeAction(action, state); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interpreter) executeAction(a Action, state *State) error {
	ctx := state.Context
	ev := state.Event
	switch a.kind {
	case actionAssign:
		// already applied by the transition
	case actionCustom:
		if a.exec == nil {
			i.logger.Log(fmt.Sprintf("no implementation for action '%s'", a.Type))
			return nil
		}
		if err := a.exec(ctx, ev, ActionMeta{Action: a, State: state}); err != nil {
			return &ActionError{Action: a.Type, Err: err}
		}
	case actionRaise:
		i.enqueueInternal(a.event)
	case actionSend:
		return i.executeSend(a, ctx, ev)
	case actionSendParent:
		out := a.event
		if a.eventFn != nil {
			out = a.eventFn(ctx, ev)
		}
		if err := i.SendParent(out); err != nil {
			i.logger.Log(fmt.Sprintf("sendParent '%s' failed: %v", out.Type, err))
		}
	case actionCancel:
		i.cancelDelayed(a.cancelID)
	case actionLog:
		value := any(a.logLabel)
		if a.logFn != nil {
			value = a.logFn(ctx, ev)
		}
		i.logger.Log(value)
	case actionStart:
		factory, ok := i.machine.options.Activities[a.activity.ID]
		if !ok {
			i.logger.Log(fmt.Sprintf("no implementation for activity '%s'", a.activity.ID))
			return nil
		}
		dispose := factory(ctx, a.activity)
		if dispose != nil {
			i.mu.Lock()
			i.activities[a.activity.ID] = dispose
			i.mu.Unlock()
		}
	case actionStop:
		i.mu.Lock()
		dispose, ok := i.activities[a.activity.ID]
		delete(i.activities, a.activity.ID)
		i.mu.Unlock()
		if ok {
			dispose()
		}
	case actionInvoke:
		i.startInvocation(a.invoke, ctx, ev)
	case actionStopInvoke:
		i.stopInvocation(a.invoke.ID)
	}
	return nil
}

func (i *Interpreter) executeSend(a Action, ctx Context, causing Event) error {
	ev := a.event
	if a.eventFn != nil {
		ev = a.eventFn(ctx, causing)
	}
	delay := a.delay
	if a.delayName != "" {
		if fn, ok := i.machine.options.Delays[a.delayName]; ok {
			delay = fn(ctx, causing)
		} else {
			i.logger.Log(fmt.Sprintf("no implementation for delay '%s'", a.delayName))
		}
	}
	if delay <= 0 {
		i.enqueueExternal(ev)
		return nil
	}

	id := a.sendID
	if id == "" {
		id = ev.SendID()
	}
	// a second schedule under the same id replaces the first
	i.cancelDelayed(id)
	handle := i.clock.SetTimeout(func() {
		i.mu.Lock()
		delete(i.timers, id)
		i.mu.Unlock()
		if err := i.Send(ev); err != nil {
			i.logger.Log(fmt.Sprintf("delayed send '%s' failed: %v", id, err))
		}
	}, delay)
	i.mu.Lock()
	i.timers[id] = handle
	i.mu.Unlock()
	return nil
}

// cancelDelayed removes a pending delayed send; unknown ids are a no-op
func (i *Interpreter) cancelDelayed(id string) {
	i.mu.Lock()
	handle, ok := i.timers[id]
	delete(i.timers, id)
	i.mu.Unlock()
	if ok {
		i.clock.ClearTimeout(handle)
	}
}

func (i *Interpreter) enqueueInternal(ev Event) {
	i.mu.Lock()
	if i.status == StatusRunning {
		i.internal = append(i.internal, ev)
	}
	i.mu.Unlock()
}

func (i *Interpreter) enqueueExternal(ev Event) {
	i.mu.Lock()
	if i.status == StatusRunning {
		i.external = append(i.external, ev)
	}
	i.mu.Unlock()
}
