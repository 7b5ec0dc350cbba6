package harel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToEventShapes(t *testing.T) {
	assert.Equal(t, "GO", toEvent("GO").Type)
	assert.Equal(t, "GO", toEvent(Event{Type: "GO"}).Type)
	assert.Equal(t, "GO", toEvent(&Event{Type: "GO"}).Type)

	withData := toEvent(NewEventWithData("GO", map[string]any{"n": 1}))
	v, ok := withData.Get("n")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestEventSendID(t *testing.T) {
	assert.Equal(t, "PING", NewEvent("PING").SendID())
	assert.Equal(t, "custom", NewEvent("PING").WithID("custom").SendID())
}

func TestEventGet(t *testing.T) {
	ev := NewEvent("GO")
	_, ok := ev.Get("missing")
	assert.False(t, ok)

	ev = NewEventWithData("GO", map[string]any{"n": 2})
	_, ok = ev.Get("missing")
	assert.False(t, ok)
	v, ok := ev.Get("n")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "GO", NewEvent("GO").String())
	assert.Equal(t, "GO map[n:1]", NewEventWithData("GO", map[string]any{"n": 1}).String())
}

func TestBuiltinEventNames(t *testing.T) {
	assert.True(t, isBuiltinEvent(InitEvent))
	assert.True(t, isBuiltinEvent(doneStateEvent("m.work")))
	assert.True(t, isBuiltinEvent(doneInvokeEvent("child")))
	assert.True(t, isBuiltinEvent(afterEvent("1000", "m.a")))
	assert.False(t, isBuiltinEvent("USER_EVENT"))

	assert.Equal(t, "done.state.m.work", doneStateEvent("m.work"))
	assert.Equal(t, "done.invoke.child", doneInvokeEvent("child"))
	assert.Equal(t, "xstate.after(1000)#m.a", afterEvent("1000", "m.a"))
}
