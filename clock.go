package harel

import (
	"container/heap"
	"sync"
	"time"
)

// TimerHandle identifies a scheduled callback for cancellation
type TimerHandle any

// Clock abstracts timer scheduling so delayed events can run against
// wall time in production and virtual time in tests.
type Clock interface {
	SetTimeout(fn func(), d time.Duration) TimerHandle
	ClearTimeout(handle TimerHandle)
	Now() time.Time
}

// WallClock schedules through the host's real timers
type WallClock struct{}

// NewWallClock creates the default clock
func NewWallClock() *WallClock {
	return &WallClock{}
}

// SetTimeout schedules fn after d
func (c *WallClock) SetTimeout(fn func(), d time.Duration) TimerHandle {
	return time.AfterFunc(d, fn)
}

// ClearTimeout stops a pending timer
func (c *WallClock) ClearTimeout(handle TimerHandle) {
	if t, ok := handle.(*time.Timer); ok {
		t.Stop()
	}
}

// Now returns the current wall time
func (c *WallClock) Now() time.Time {
	return time.Now()
}

// SimulatedClock is a virtual-time clock for deterministic tests. Time
// only moves when Increment is called; due callbacks fire in
// (due time, scheduled order) order.
type SimulatedClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers simTimerHeap
}

type simTimer struct {
	due       time.Time
	seq       int64
	fn        func()
	cancelled bool
}

// NewSimulatedClock creates a simulated clock starting at the zero time
func NewSimulatedClock() *SimulatedClock {
	return &SimulatedClock{}
}

// SetTimeout schedules fn at now + d in virtual time
func (c *SimulatedClock) SetTimeout(fn func(), d time.Duration) TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &simTimer{due: c.now.Add(d), seq: c.seq, fn: fn}
	c.seq++
	heap.Push(&c.timers, t)
	return t
}

// ClearTimeout tombstones a pending timer
func (c *SimulatedClock) ClearTimeout(handle TimerHandle) {
	if t, ok := handle.(*simTimer); ok {
		c.mu.Lock()
		t.cancelled = true
		c.mu.Unlock()
	}
}

// Now returns the current virtual time
func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Increment advances virtual time by d, firing every callback whose due
// time falls within the advance, in scheduled order. Callbacks may
// schedule further timers; those also fire if they fall due before the
// target time.
func (c *SimulatedClock) Increment(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		if c.timers.Len() == 0 {
			break
		}
		next := c.timers[0]
		if next.due.After(target) {
			break
		}
		heap.Pop(&c.timers)
		if next.cancelled {
			continue
		}
		if next.due.After(c.now) {
			c.now = next.due
		}
		c.mu.Unlock()
		next.fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int { return len(h) }

func (h simTimerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h simTimerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *simTimerHeap) Push(x any) { *h = append(*h, x.(*simTimer)) }

func (h *simTimerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
