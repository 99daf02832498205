package tsoclient

import (
	"github.com/treble-h/tsoracle/core"
	"github.com/treble-h/tsoracle/statemachine"
)

// requestEvent is a user request travelling through the state machine. The same
// event is resubmitted on every retry.
type requestEvent struct {
	future      *Future
	request     interface{} // *core.TimestampRequest or *core.CommitRequest
	retriesLeft int
	// attempt counts transmissions; a timeout only applies to the attempt that armed it.
	attempt       int
	cancelTimeout func()
}

func newRequestEvent(request interface{}, retries int) *requestEvent {
	return &requestEvent{
		future:      newFuture(),
		request:     request,
		retriesLeft: retries,
	}
}

func (e *requestEvent) stopTimeout() {
	if e.cancelTimeout != nil {
		e.cancelTimeout()
		e.cancelTimeout = nil
	}
}

func (e *requestEvent) success(value int64) {
	e.future.resolve(value, nil)
}

func (e *requestEvent) error(err error) {
	e.future.resolve(0, err)
}

// Fail implements statemachine.Failer.
func (e *requestEvent) Fail(err error) {
	if err == statemachine.ErrShutdown {
		err = ErrClosing
	}
	e.error(err)
}

func (e *requestEvent) done() bool {
	return e.future.IsDone()
}

func (e *requestEvent) kind() string {
	if _, ok := e.request.(*core.CommitRequest); ok {
		return "commit"
	}
	return "timestamp"
}

type closeEvent struct {
	future *Future
}

// Fail implements statemachine.Failer: a client whose engine is gone is closed.
func (e *closeEvent) Fail(error) {
	e.future.resolve(0, nil)
}

// reconnectEvent ends the back-off after a failed connection attempt.
type reconnectEvent struct{}

type connectedEvent struct {
	channel Channel
}

// Fail closes a channel that was established after the engine shut down.
func (e *connectedEvent) Fail(error) {
	e.channel.Close()
}

type connectFailedEvent struct {
	err error
}

type errorEvent struct {
	channel Channel
	err     error
}

type channelClosedEvent struct {
	channel Channel
}

type responseEvent struct {
	channel Channel
	msg     interface{}
}

type timestampTimeoutEvent struct {
	request *requestEvent
	attempt int
}

type commitTimeoutEvent struct {
	request *requestEvent
	attempt int
}
