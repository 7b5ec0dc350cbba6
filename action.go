package harel

import "time"

// Built-in action type tags. Custom actions carry their own name as Type.
const (
	ActionTypeAssign     = "xstate.assign"
	ActionTypeRaise      = "xstate.raise"
	ActionTypeSend       = "xstate.send"
	ActionTypeSendParent = "xstate.sendParent"
	ActionTypeCancel     = "xstate.cancel"
	ActionTypeLog        = "xstate.log"
	ActionTypeStart      = "xstate.start"
	ActionTypeStop       = "xstate.stop"
	ActionTypeInvoke     = "xstate.invoke"
)

type actionKind int

const (
	actionCustom actionKind = iota
	actionAssign
	actionRaise
	actionSend
	actionSendParent
	actionCancel
	actionLog
	actionStart
	actionStop
	actionInvoke
	actionStopInvoke
)

// ActionMeta carries the action itself and the state being entered to
// custom action executors.
type ActionMeta struct {
	Action Action
	State  *State
}

// ActionFunc is the executor signature for custom actions
type ActionFunc func(ctx Context, event Event, meta ActionMeta) error

// AssignFunc stages a context update; it receives the working context and
// returns the next one.
type AssignFunc func(ctx Context, event Event) Context

// GuardFunc evaluates a transition guard against context and event
type GuardFunc func(ctx Context, event Event) (bool, error)

// LogFunc produces the value a log action emits through the Logger
type LogFunc func(ctx Context, event Event) any

// DelayFunc resolves a named delay against context and event
type DelayFunc func(ctx Context, event Event) time.Duration

// DisposeFunc tears down a running activity
type DisposeFunc func()

// ActivityFunc starts an activity and returns its disposer
type ActivityFunc func(ctx Context, activity Activity) DisposeFunc

// Activity describes a long-running side-effect bound to a state
type Activity struct {
	ID string
}

// EventFunc computes an event to send from context and the causing event
type EventFunc func(ctx Context, event Event) Event

// Action is the tagged representation of a single side-effect collected
// by the transition function.
type Action struct {
	// Type is the action's tag: one of the xstate.* constants for
	// built-ins, the action's name for custom actions.
	Type string

	kind     actionKind
	exec     ActionFunc
	assigner AssignFunc
	logFn    LogFunc
	logLabel string

	event     Event
	eventFn   EventFunc
	delay     time.Duration
	delayName string
	sendID    string
	cancelID  string

	activity Activity
	invoke   *InvokeConfig
}

// Kind-inspection helpers.

// IsAssign reports whether the action is a context update
func (a Action) IsAssign() bool { return a.kind == actionAssign }

// Resolved reports whether a custom action has an executor bound
func (a Action) Resolved() bool { return a.kind != actionCustom || a.exec != nil }

// Assign creates an action that stages a context update. The update is
// applied during the raise phase of the step, before any other action of
// the same step executes.
func Assign(fn AssignFunc) Action {
	return Action{Type: ActionTypeAssign, kind: actionAssign, assigner: fn}
}

// AssignKeys creates an assign action updating individual context keys.
// Values may be plain values or func(Context, Event) any.
func AssignKeys(updates map[string]any) Action {
	return Assign(func(ctx Context, event Event) Context {
		next := ctx.Clone()
		for key, value := range updates {
			if fn, ok := value.(func(Context, Event) any); ok {
				next[key] = fn(ctx, event)
			} else {
				next[key] = value
			}
		}
		return next
	})
}

// Raise creates an action that enqueues an event on the internal queue;
// it is consumed before any pending external event.
func Raise(event any) Action {
	return Action{Type: ActionTypeRaise, kind: actionRaise, event: toEvent(event)}
}

// SendOption configures a send action
type SendOption func(*Action)

// SendDelay schedules the send after the given duration via the Clock
func SendDelay(d time.Duration) SendOption {
	return func(a *Action) { a.delay = d }
}

// SendDelayName schedules the send after a named delay resolved from the
// machine options
func SendDelayName(name string) SendOption {
	return func(a *Action) { a.delayName = name }
}

// SendID keys the send for later cancellation
func SendID(id string) SendOption {
	return func(a *Action) { a.sendID = id }
}

// Send creates an action that enqueues an event on the external queue,
// optionally delayed through the Clock.
func Send(event any, opts ...SendOption) Action {
	a := Action{Type: ActionTypeSend, kind: actionSend, event: toEvent(event)}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// SendExpr creates a send action whose event is computed from context and
// the causing event at execution time.
func SendExpr(fn EventFunc, opts ...SendOption) Action {
	a := Action{Type: ActionTypeSend, kind: actionSend, eventFn: fn}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// SendParent creates an action that enqueues an event on the invoking
// parent service. Machines that were not invoked log a warning instead.
func SendParent(event any) Action {
	return Action{Type: ActionTypeSendParent, kind: actionSendParent, event: toEvent(event)}
}

// SendParentExpr creates a sendParent action whose event is computed from
// context and the causing event at execution time.
func SendParentExpr(fn EventFunc) Action {
	return Action{Type: ActionTypeSendParent, kind: actionSendParent, eventFn: fn}
}

// Cancel creates an action removing a previously scheduled delayed send
func Cancel(id string) Action {
	return Action{Type: ActionTypeCancel, kind: actionCancel, cancelID: id}
}

// Log creates an action emitting a computed value through the Logger
func Log(fn LogFunc) Action {
	return Action{Type: ActionTypeLog, kind: actionLog, logFn: fn}
}

// LogMsg creates an action emitting a fixed message through the Logger
func LogMsg(msg string) Action {
	return Action{Type: ActionTypeLog, kind: actionLog, logLabel: msg}
}

// Do creates a named custom action with an inline executor
func Do(name string, fn ActionFunc) Action {
	return Action{Type: name, kind: actionCustom, exec: fn}
}

// Named references an action implementation by name; the implementation
// is looked up in the machine options at construction. Unknown names are
// not fatal: the action is surfaced with a nil executor.
func Named(name string) Action {
	return Action{Type: name, kind: actionCustom}
}

func startActivity(id string) Action {
	return Action{Type: ActionTypeStart, kind: actionStart, activity: Activity{ID: id}}
}

func stopActivity(id string) Action {
	return Action{Type: ActionTypeStop, kind: actionStop, activity: Activity{ID: id}}
}

// Guard pairs an optional name with a predicate. Named guards resolve
// from the machine options at construction.
type Guard struct {
	Name string
	Fn   GuardFunc
}

// Cond wraps a predicate into a guard
func Cond(fn GuardFunc) *Guard {
	return &Guard{Fn: fn}
}

// CondNamed references a guard implementation by name
func CondNamed(name string) *Guard {
	return &Guard{Name: name}
}

// When wraps a boolean predicate that cannot fail
func When(fn func(ctx Context, event Event) bool) *Guard {
	return &Guard{Fn: func(ctx Context, event Event) (bool, error) {
		return fn(ctx, event), nil
	}}
}

// resolveAction binds named custom actions to their implementations from
// the options map. Unknown names keep a nil executor.
func resolveAction(a Action, opts *Options) Action {
	if a.kind != actionCustom || a.exec != nil || opts == nil {
		return a
	}
	if impl, ok := opts.Actions[a.Type]; ok {
		resolved := impl
		resolved.Type = a.Type
		return resolved
	}
	return a
}

func resolveActions(actions []Action, opts *Options) []Action {
	if len(actions) == 0 {
		return nil
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = resolveAction(a, opts)
	}
	return out
}

// resolveGuard binds a named guard to its implementation. A named guard
// without an implementation fails at evaluation time with a GuardError.
func resolveGuard(g *Guard, opts *Options) *Guard {
	if g == nil || g.Fn != nil {
		return g
	}
	if opts != nil {
		if fn, ok := opts.Guards[g.Name]; ok {
			return &Guard{Name: g.Name, Fn: fn}
		}
	}
	return g
}
