// Package statemachine runs one state object at a time on a single goroutine.
//
// Events may be sent from any goroutine. They are handled strictly in the order
// they were sent, so state handlers never need locks. A handler may defer an
// event, which parks it until the next state transition. Right after the
// transition the parked events are replayed, in the order they were deferred,
// ahead of anything sent in the meantime.
package statemachine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/hashicorp/go-hclog"
)

// ErrShutdown is used to fail events that can no longer be handled because the
// state machine was shut down.
var ErrShutdown = errors.New("state machine shut down")

// Event is anything a State knows how to handle. States select the handler with
// a type switch on the concrete event type.
type Event interface{}

// Failer is implemented by events that somebody waits on. Such events are failed
// rather than dropped when the state machine stops.
type Failer interface {
	Fail(err error)
}

// State handles one event and returns the next state, which may be itself.
// States are compared by identity to detect transitions, so implementations
// should be pointer types.
type State interface {
	HandleEvent(e Event) State
}

// TransitionFunc is called on the state machine goroutine after every transition.
type TransitionFunc func(from, to State)

type Fsm struct {
	logger hclog.Logger

	lock     sync.Mutex
	queue    *linkedlistqueue.Queue
	deferred []Event
	state    State
	shutdown bool

	notifyCh chan struct{}
	doneCh   chan struct{}

	onTransition TransitionFunc
}

// New creates a state machine. Events sent before Start are queued.
func New(logger hclog.Logger) *Fsm {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "fsm",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &Fsm{
		logger:   logger,
		queue:    linkedlistqueue.New(),
		notifyCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// OnTransition registers a hook run after each transition. Must be called before Start.
func (f *Fsm) OnTransition(fn TransitionFunc) {
	f.onTransition = fn
}

// Start sets the initial state and launches the event loop.
func (f *Fsm) Start(init State) {
	f.lock.Lock()
	f.state = init
	f.lock.Unlock()
	go f.run()
}

// SendEvent enqueues e. It never blocks.
func (f *Fsm) SendEvent(e Event) {
	f.lock.Lock()
	if f.shutdown {
		f.lock.Unlock()
		fail(e)
		return
	}
	f.queue.Enqueue(e)
	f.lock.Unlock()
	f.notify()
}

// DeferEvent parks e until the next state transition completes.
func (f *Fsm) DeferEvent(e Event) {
	f.lock.Lock()
	if f.shutdown {
		f.lock.Unlock()
		fail(e)
		return
	}
	f.deferred = append(f.deferred, e)
	f.lock.Unlock()
}

// Shutdown stops the event loop once the event being handled returns. Queued
// and deferred events are failed with ErrShutdown. It is safe to call from a
// state handler.
func (f *Fsm) Shutdown() {
	f.lock.Lock()
	if f.shutdown {
		f.lock.Unlock()
		return
	}
	f.shutdown = true
	f.lock.Unlock()
	f.notify()
}

// Done is closed when the event loop exited.
func (f *Fsm) Done() <-chan struct{} {
	return f.doneCh
}

// CurrentState returns the state the machine is in.
func (f *Fsm) CurrentState() State {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

// Unhandled logs an event the given state has no handler for and keeps the state.
func (f *Fsm) Unhandled(s State, e Event) State {
	f.logger.Error("unhandled event", "event", fmt.Sprintf("%T", e), "state", StateName(s))
	return s
}

func (f *Fsm) notify() {
	select {
	case f.notifyCh <- struct{}{}:
	default:
	}
}

func (f *Fsm) run() {
	defer close(f.doneCh)
	for {
		e, ok := f.next()
		if !ok {
			f.drain()
			return
		}
		f.dispatch(e)
	}
}

func (f *Fsm) next() (Event, bool) {
	for {
		f.lock.Lock()
		if f.shutdown {
			f.lock.Unlock()
			return nil, false
		}
		if e, ok := f.queue.Dequeue(); ok {
			f.lock.Unlock()
			return e, true
		}
		f.lock.Unlock()
		<-f.notifyCh
	}
}

func (f *Fsm) dispatch(e Event) {
	current := f.state
	next := current.HandleEvent(e)
	if next == nil || next == current {
		return
	}

	f.logger.Trace("state transition", "from", StateName(current), "to", StateName(next))

	f.lock.Lock()
	f.state = next
	f.replayDeferred()
	f.lock.Unlock()

	if f.onTransition != nil {
		f.onTransition(current, next)
	}
}

// replayDeferred moves the deferred events ahead of everything queued, keeping
// the order they were deferred in. Must be called with the lock held.
func (f *Fsm) replayDeferred() {
	if len(f.deferred) == 0 {
		return
	}
	queued := f.queue.Values()
	f.queue.Clear()
	for _, d := range f.deferred {
		f.queue.Enqueue(d)
	}
	for _, e := range queued {
		f.queue.Enqueue(e)
	}
	f.deferred = nil
}

// drain fails everything still waiting once the loop stopped.
func (f *Fsm) drain() {
	f.lock.Lock()
	pending := make([]Event, 0, f.queue.Size()+len(f.deferred))
	for {
		e, ok := f.queue.Dequeue()
		if !ok {
			break
		}
		pending = append(pending, e)
	}
	pending = append(pending, f.deferred...)
	f.deferred = nil
	f.lock.Unlock()

	for _, e := range pending {
		fail(e)
	}
}

func fail(e Event) {
	if failer, ok := e.(Failer); ok {
		failer.Fail(ErrShutdown)
	}
}

// StateName returns a printable name for s.
func StateName(s State) string {
	if stringer, ok := s.(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%T", s)
}
