package harel

import (
	"sync"
	"testing"
	"time"
)

func checkerMachine(t *testing.T) *Machine {
	t.Helper()
	return mustMachine(t, &MachineConfig{
		ID:      "checker",
		Initial: "check",
		States: []*NodeConfig{
			{Key: "check", On: []EventConfig{On(NullEvent, TransitionConfig{
				Target: []string{"end"},
				Cond: When(func(ctx Context, ev Event) bool {
					return ctx.GetInt("start") >= 5
				}),
			})}},
			{Key: "end", Type: NodeFinal},
		},
	}, nil)
}

func TestInvokeDataAndOnDone(t *testing.T) {
	child := checkerMachine(t)
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Context: Context{"base": 7},
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working", Invoke: &InvokeConfig{
				ID:      "check",
				Machine: child,
				Data: map[string]any{
					"start": func(ctx Context, ev Event) any { return ctx.GetInt("base") },
				},
				OnDone: &TransitionConfig{
					Target: []string{"finished"},
					Cond: When(func(ctx Context, ev Event) bool {
						v, _ := ev.Get("start")
						return v == 7
					}),
				},
			}},
			{Key: "finished"},
		},
	}, nil)

	i := Interpret(parent)
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if !i.Matches("finished") {
		t.Errorf("child completion must drive onDone, got %s", i.State().Value)
	}
}

func TestInvokeBlockedChildKeepsParentWaiting(t *testing.T) {
	child := checkerMachine(t)
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Context: Context{"base": 1},
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working", Invoke: &InvokeConfig{
				ID:      "check",
				Machine: child,
				Data: map[string]any{
					"start": func(ctx Context, ev Event) any { return ctx.GetInt("base") },
				},
				OnDone: &TransitionConfig{Target: []string{"finished"}},
			}},
			{Key: "finished"},
		},
	}, nil)

	i := Interpret(parent)
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if !i.Matches("working") {
		t.Errorf("child guard blocks completion, got %s", i.State().Value)
	}
}

func TestSendParentAction(t *testing.T) {
	child := mustMachine(t, &MachineConfig{
		ID:      "notifier",
		Initial: "run",
		States: []*NodeConfig{
			{Key: "run", Entry: []Action{
				SendParent(NewEventWithData("CHILD_READY", map[string]any{"who": "notifier"})),
			}},
		},
	}, nil)
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working",
				Invoke: &InvokeConfig{ID: "note", Machine: child},
				On: []EventConfig{On("CHILD_READY", TransitionConfig{
					Target: []string{"ready"},
					Cond: When(func(ctx Context, ev Event) bool {
						return ev.Data["who"] == "notifier"
					}),
				})}},
			{Key: "ready"},
		},
	}, nil)

	i := Interpret(parent)
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if !i.Matches("ready") {
		t.Errorf("sendParent must reach the invoking service, got %s", i.State().Value)
	}
}

func TestSendParentWithoutParent(t *testing.T) {
	i := Interpret(toggleMachine(t))
	if err := i.SendParent("X"); err == nil {
		t.Error("sendParent from a root service must fail")
	}
}

func TestAutoForward(t *testing.T) {
	child := mustMachine(t, &MachineConfig{
		ID:      "listener",
		Initial: "waiting",
		States: []*NodeConfig{
			{Key: "waiting", On: []EventConfig{On("PING", To("end"))}},
			{Key: "end", Type: NodeFinal},
		},
	}, nil)
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working", Invoke: &InvokeConfig{
				ID:          "fwd",
				Machine:     child,
				AutoForward: true,
				OnDone:      &TransitionConfig{Target: []string{"finished"}},
			}},
			{Key: "finished"},
		},
	}, nil)

	i := Interpret(parent)
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if err := i.Send("PING"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !i.Matches("finished") {
		t.Errorf("forwarded event must reach the child, got %s", i.State().Value)
	}
}

func TestExitStopsInvokedChild(t *testing.T) {
	var mu sync.Mutex
	stopped := 0
	child := mustMachine(t, &MachineConfig{
		ID:      "spinner",
		Initial: "spin",
		States: []*NodeConfig{
			{Key: "spin", Activities: []string{"whirl"}},
		},
	}, &Options{
		Activities: map[string]ActivityFunc{
			"whirl": func(ctx Context, activity Activity) DisposeFunc {
				return func() {
					mu.Lock()
					stopped++
					mu.Unlock()
				}
			},
		},
	})
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working",
				Invoke: &InvokeConfig{ID: "spin", Machine: child},
				On:     []EventConfig{On("LEAVE", To("idle"))}},
			{Key: "idle"},
		},
	}, nil)

	i := Interpret(parent)
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if err := i.Send("LEAVE"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if stopped != 1 {
		t.Errorf("leaving the invoking state must stop the child, stopped=%d", stopped)
	}
}

func TestInvokedChildSharesClock(t *testing.T) {
	child := mustMachine(t, &MachineConfig{
		ID:      "delayed",
		Initial: "wait",
		States: []*NodeConfig{
			{Key: "wait", After: []AfterConfig{{Delay: time.Second, Transition: To("end")}}},
			{Key: "end", Type: NodeFinal},
		},
	}, nil)
	parent := mustMachine(t, &MachineConfig{
		ID:      "parent",
		Initial: "working",
		States: []*NodeConfig{
			{Key: "working", Invoke: &InvokeConfig{
				ID:      "delayed",
				Machine: child,
				OnDone:  &TransitionConfig{Target: []string{"finished"}},
			}},
			{Key: "finished"},
		},
	}, nil)

	clock := NewSimulatedClock()
	i := Interpret(parent, WithClock(clock))
	if err := i.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer i.Stop()

	if !i.Matches("working") {
		t.Fatal("child timer must not fire before the clock moves")
	}
	clock.Increment(time.Second)
	if !i.Matches("finished") {
		t.Errorf("virtual time drives the child too, got %s", i.State().Value)
	}
}
