package statemachine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type collectingSender struct {
	lock   sync.Mutex
	events []Event
	sent   chan struct{}
}

func newCollectingSender() *collectingSender {
	return &collectingSender{sent: make(chan struct{}, 16)}
}

func (c *collectingSender) SendEvent(e Event) {
	c.lock.Lock()
	c.events = append(c.events, e)
	c.lock.Unlock()
	c.sent <- struct{}{}
}

func (c *collectingSender) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.events)
}

func TestTimerDeliversEvent(t *testing.T) {
	sender := newCollectingSender()
	timers := NewTimers(sender)
	defer timers.Halt()

	ev := &pingEvent{id: 7}
	timers.Schedule(10*time.Millisecond, ev)

	select {
	case <-sender.sent:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, ev, sender.events[0])
	assert.Equal(t, 0, timers.Pending())
}

func TestTimerCancel(t *testing.T) {
	sender := newCollectingSender()
	timers := NewTimers(sender)
	defer timers.Halt()

	cancel := timers.Schedule(20*time.Millisecond, &pingEvent{})
	assert.Equal(t, 1, timers.Pending())
	cancel()
	assert.Equal(t, 0, timers.Pending())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sender.count())
}

func TestHaltStopsEveryTimer(t *testing.T) {
	sender := newCollectingSender()
	timers := NewTimers(sender)

	for i := 0; i < 5; i++ {
		timers.Schedule(20*time.Millisecond, &pingEvent{id: i})
	}
	timers.Halt()
	timers.Schedule(time.Millisecond, &pingEvent{})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, sender.count())
	assert.Equal(t, 0, timers.Pending())
}
