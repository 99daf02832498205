package statemachine

import (
	"sync"
	"time"
)

// Sender is the part of a state machine timers deliver events to.
type Sender interface {
	SendEvent(e Event)
}

// Timers schedules events for later delivery. A fired timer only sends its event;
// it never touches state. Once halted no further event is delivered, including
// timers that were already firing.
type Timers struct {
	sender Sender

	lock   sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
	halted bool
}

// NewTimers creates a timer facility delivering to sender.
func NewTimers(sender Sender) *Timers {
	return &Timers{
		sender: sender,
		timers: make(map[uint64]*time.Timer),
	}
}

// Schedule delivers e after d. The returned func cancels the timer.
func (t *Timers) Schedule(d time.Duration, e Event) (cancel func()) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.halted {
		return func() {}
	}

	id := t.nextID
	t.nextID++
	t.timers[id] = time.AfterFunc(d, func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		if t.halted {
			return
		}
		if _, ok := t.timers[id]; !ok {
			return
		}
		delete(t.timers, id)
		t.sender.SendEvent(e)
	})

	return func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		if timer, ok := t.timers[id]; ok {
			timer.Stop()
			delete(t.timers, id)
		}
	}
}

// Pending returns the number of timers that have not fired yet.
func (t *Timers) Pending() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.timers)
}

// Halt stops every pending timer. Later calls to Schedule are no-ops.
func (t *Timers) Halt() {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.halted {
		return
	}
	t.halted = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
