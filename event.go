package harel

import (
	"fmt"
	"strings"
)

// Reserved event types. Types beginning with "xstate." or "done." are
// produced by the runtime itself and should not be sent by user code.
const (
	// InitEvent accompanies the first notification after Start
	InitEvent = "xstate.init"
	// NullEvent selects transient (eventless) transitions
	NullEvent = ""
	// WildcardEvent matches any event type when used as an `on` key
	WildcardEvent = "*"
)

// Event represents a trigger for transitions in the state machine
type Event struct {
	Type string
	Data map[string]any
	// ID keys delayed sends for cancellation; defaults to Type when empty
	ID string
}

// NewEvent creates a new event with the given type
func NewEvent(eventType string) Event {
	return Event{Type: eventType}
}

// NewEventWithData creates a new event carrying a payload
func NewEventWithData(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Data: data}
}

// WithID returns a copy of the event with the given send id
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// SendID returns the key under which a delayed send of this event is
// scheduled: the explicit id when set, the event type otherwise.
func (e Event) SendID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Type
}

// Get returns a payload field by name
func (e Event) Get(key string) (any, bool) {
	if e.Data == nil {
		return nil, false
	}
	v, ok := e.Data[key]
	return v, ok
}

func (e Event) String() string {
	if len(e.Data) == 0 {
		return e.Type
	}
	return fmt.Sprintf("%s %v", e.Type, e.Data)
}

// toEvent normalizes the accepted event shapes: a bare string is shorthand
// for an event with only a type.
func toEvent(v any) Event {
	switch ev := v.(type) {
	case Event:
		return ev
	case *Event:
		return *ev
	case string:
		return Event{Type: ev}
	default:
		return Event{Type: fmt.Sprintf("%v", v)}
	}
}

// doneStateEvent names the internal event raised when a compound or
// parallel state reaches completion.
func doneStateEvent(id string) string {
	return "done.state." + id
}

// doneInvokeEvent names the event a child service sends its parent on
// reaching a top-level final state.
func doneInvokeEvent(id string) string {
	return "done.invoke." + id
}

// afterEvent names the reserved event type for a delayed transition
// compiled from an `after` entry.
func afterEvent(delay string, nodeID string) string {
	return fmt.Sprintf("xstate.after(%s)#%s", delay, nodeID)
}

// isBuiltinEvent reports whether the event type is runtime-reserved.
func isBuiltinEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "xstate.") || strings.HasPrefix(eventType, "done.")
}
