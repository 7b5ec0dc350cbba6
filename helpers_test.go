package harel

import (
	"sync"
	"testing"
	"time"
)

// stateRecorder collects transition notifications for assertions
type stateRecorder struct {
	mu     sync.Mutex
	states []*State
	events []Event
}

func (r *stateRecorder) listener() TransitionListener {
	return func(state *State, event Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, state)
		r.events = append(r.events, event)
	}
}

func (r *stateRecorder) values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, s := range r.states {
		out[i] = s.Value.String()
	}
	return out
}

func (r *stateRecorder) last() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return nil
	}
	return r.states[len(r.states)-1]
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

// captureLogger collects everything emitted through the Logger
type captureLogger struct {
	mu      sync.Mutex
	entries []any
}

func (l *captureLogger) Log(value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, value)
}

func (l *captureLogger) all() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]any, len(l.entries))
	copy(out, l.entries)
	return out
}

func mustMachine(t *testing.T, cfg *MachineConfig, opts *Options) *Machine {
	t.Helper()
	m, err := NewMachine(cfg, opts)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

// mark is a named no-op action; tests assert on the surfaced Type order
func mark(name string) Action {
	return Do(name, func(Context, Event, ActionMeta) error { return nil })
}

func actionTypes(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Type
	}
	return out
}

// lightMachine is the classic traffic light driven by delayed transitions
func lightMachine(t *testing.T) *Machine {
	t.Helper()
	return mustMachine(t, &MachineConfig{
		ID:      "light",
		Initial: "green",
		States: []*NodeConfig{
			{Key: "green", After: []AfterConfig{{Delay: 30 * time.Second, Transition: To("yellow")}}},
			{Key: "yellow", After: []AfterConfig{{Delay: 5 * time.Second, Transition: To("red")}}},
			{Key: "red", After: []AfterConfig{{Delay: 20 * time.Second, Transition: To("green")}}},
		},
	}, nil)
}

func toggleMachine(t *testing.T) *Machine {
	t.Helper()
	return mustMachine(t, &MachineConfig{
		ID:      "toggle",
		Initial: "inactive",
		States: []*NodeConfig{
			{Key: "inactive", On: []EventConfig{On("TOGGLE", To("active"))}},
			{Key: "active", On: []EventConfig{On("TOGGLE", To("inactive"))}},
		},
	}, nil)
}
