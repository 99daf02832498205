package statemachine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingEvent struct {
	id int
}

type openEvent struct{}

type barrierEvent struct {
	done chan struct{}
}

type waitedEvent struct {
	lock sync.Mutex
	err  error
	done chan struct{}
}

func newWaitedEvent() *waitedEvent {
	return &waitedEvent{done: make(chan struct{})}
}

func (w *waitedEvent) Fail(err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.err = err
	close(w.done)
}

type recorder struct {
	lock sync.Mutex
	seen []int
}

func (r *recorder) add(id int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.seen = append(r.seen, id)
}

func (r *recorder) ids() []int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]int(nil), r.seen...)
}

// closedState parks pings until it is opened.
type closedState struct {
	fsm *Fsm
	rec *recorder
}

func (s *closedState) HandleEvent(e Event) State {
	switch ev := e.(type) {
	case *pingEvent:
		s.fsm.DeferEvent(ev)
		return s
	case *waitedEvent:
		s.fsm.DeferEvent(ev)
		return s
	case *openEvent:
		return &openState{fsm: s.fsm, rec: s.rec}
	case *barrierEvent:
		close(ev.done)
		return s
	default:
		return s.fsm.Unhandled(s, e)
	}
}

type openState struct {
	fsm *Fsm
	rec *recorder
}

func (s *openState) HandleEvent(e Event) State {
	switch ev := e.(type) {
	case *pingEvent:
		s.rec.add(ev.id)
		return s
	case *barrierEvent:
		close(ev.done)
		return s
	default:
		return s.fsm.Unhandled(s, e)
	}
}

func barrier(t *testing.T, fsm *Fsm) {
	b := &barrierEvent{done: make(chan struct{})}
	fsm.SendEvent(b)
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("state machine did not drain its queue")
	}
}

func TestEventsHandledInSubmissionOrder(t *testing.T) {
	fsm := New(nil)
	rec := &recorder{}
	fsm.Start(&openState{fsm: fsm, rec: rec})
	defer fsm.Shutdown()

	expected := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		fsm.SendEvent(&pingEvent{id: i})
		expected = append(expected, i)
	}
	barrier(t, fsm)

	assert.Equal(t, expected, rec.ids())
}

func TestDeferredEventsReplayedAfterTransition(t *testing.T) {
	fsm := New(nil)
	rec := &recorder{}
	fsm.Start(&closedState{fsm: fsm, rec: rec})
	defer fsm.Shutdown()

	fsm.SendEvent(&pingEvent{id: 1})
	fsm.SendEvent(&pingEvent{id: 2})
	barrier(t, fsm)
	assert.Empty(t, rec.ids())

	fsm.SendEvent(&openEvent{})
	fsm.SendEvent(&pingEvent{id: 3})
	barrier(t, fsm)

	assert.Equal(t, []int{1, 2, 3}, rec.ids())
	assert.IsType(t, &openState{}, fsm.CurrentState())
}

func TestUnhandledEventKeepsState(t *testing.T) {
	fsm := New(nil)
	rec := &recorder{}
	open := &openState{fsm: fsm, rec: rec}
	fsm.Start(open)
	defer fsm.Shutdown()

	fsm.SendEvent(&openEvent{})
	barrier(t, fsm)

	assert.Equal(t, open, fsm.CurrentState())
}

func TestTransitionHook(t *testing.T) {
	fsm := New(nil)
	var transitions []string
	fsm.OnTransition(func(from, to State) {
		transitions = append(transitions, StateName(from)+"->"+StateName(to))
	})
	fsm.Start(&closedState{fsm: fsm, rec: &recorder{}})
	defer fsm.Shutdown()

	fsm.SendEvent(&openEvent{})
	barrier(t, fsm)

	assert.Equal(t, []string{"*statemachine.closedState->*statemachine.openState"}, transitions)
}

func TestShutdownFailsPendingEvents(t *testing.T) {
	fsm := New(nil)
	fsm.Start(&closedState{fsm: fsm, rec: &recorder{}})

	deferred := newWaitedEvent()
	fsm.SendEvent(deferred)
	barrier(t, fsm)

	fsm.Shutdown()
	select {
	case <-fsm.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}

	<-deferred.done
	assert.Equal(t, ErrShutdown, deferred.err)

	late := newWaitedEvent()
	fsm.SendEvent(late)
	<-late.done
	require.Equal(t, ErrShutdown, late.err)
}
