package harel

import "fmt"

// childService tracks an invoked child interpreter for the lifetime of
// the invoking state.
type childService struct {
	id          string
	interp      *Interpreter
	autoForward bool
}

// startInvocation spawns a child interpreter over the invoked machine.
// The child shares the parent's clock so simulated time drives both,
// and its initial context merges the machine's declared context with
// the invoke's data mapping evaluated against the parent context.
func (i *Interpreter) startInvocation(inv *InvokeConfig, ctx Context, ev Event) {
	childCtx := inv.Machine.Context()
	for key, value := range inv.Data {
		if fn, ok := value.(func(Context, Event) any); ok {
			childCtx[key] = fn(ctx, ev)
		} else {
			childCtx[key] = value
		}
	}

	child := NewInterpreter(inv.Machine,
		WithClock(i.clock),
		WithLogger(i.logger),
		WithID(inv.ID),
		withParent(i),
		withInitialContext(childCtx),
	)

	i.mu.Lock()
	if existing, ok := i.children[inv.ID]; ok {
		i.mu.Unlock()
		_ = existing.interp.Stop()
		i.mu.Lock()
	}
	i.children[inv.ID] = &childService{id: inv.ID, interp: child, autoForward: inv.AutoForward}
	i.childOrder = append(i.childOrder, inv.ID)
	i.mu.Unlock()

	if err := child.Start(); err != nil {
		i.logger.Log(fmt.Sprintf("invoke '%s' failed to start: %v", inv.ID, err))
	}
}

// stopInvocation disposes the child on exit of the invoking state,
// cancelling its pending timers and activities.
func (i *Interpreter) stopInvocation(id string) {
	i.mu.Lock()
	child, ok := i.children[id]
	delete(i.children, id)
	i.removeChildOrder(id)
	i.mu.Unlock()
	if ok {
		_ = child.interp.Stop()
	}
}

// childDone receives a child's done.invoke event: the service is
// disposed and the event lands on the parent's internal queue.
func (i *Interpreter) childDone(id string, ev Event) {
	i.mu.Lock()
	delete(i.children, id)
	i.removeChildOrder(id)
	if i.status != StatusRunning {
		i.mu.Unlock()
		return
	}
	i.internal = append(i.internal, ev)
	if i.processing {
		i.mu.Unlock()
		return
	}
	i.processing = true
	i.mu.Unlock()
	if err := i.run(); err != nil {
		i.logger.Log(fmt.Sprintf("processing '%s' failed: %v", ev.Type, err))
	}
}

// SendParent enqueues an event on the parent interpreter. It fails when
// the interpreter was not spawned by an invoke.
func (i *Interpreter) SendParent(event any) error {
	if i.parent == nil {
		return &InterpreterError{ID: i.id, Message: "no parent service to send to"}
	}
	return i.parent.Send(toEvent(event))
}

// forwardTargets snapshots the children receiving auto-forwarded
// events, in invocation order. Caller holds the mutex.
func (i *Interpreter) forwardTargets() []*childService {
	var out []*childService
	for _, id := range i.childOrder {
		if child, ok := i.children[id]; ok && child.autoForward {
			out = append(out, child)
		}
	}
	return out
}

func (i *Interpreter) removeChildOrder(id string) {
	for idx, existing := range i.childOrder {
		if existing == id {
			i.childOrder = append(i.childOrder[:idx], i.childOrder[idx+1:]...)
			break
		}
	}
}
