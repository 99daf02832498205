package tsoclient

import (
	"sort"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/treble-h/tsoracle/core"
	"github.com/treble-h/tsoracle/statemachine"
)

// disconnectedState is the initial state. After a failed connection attempt it
// holds requests back for the retry delay before dialing again.
type disconnectedState struct {
	c *Client

	backoff            bool
	reconnectScheduled bool
	timers             *statemachine.Timers
}

func newDisconnectedState(c *Client, backoff bool) *disconnectedState {
	return &disconnectedState{
		c:       c,
		backoff: backoff,
		timers:  statemachine.NewTimers(c.fsm),
	}
}

func (s *disconnectedState) String() string { return "disconnected" }

func (s *disconnectedState) HandleEvent(e statemachine.Event) statemachine.State {
	switch ev := e.(type) {
	case *requestEvent:
		if ev.done() {
			return s
		}
		s.c.fsm.DeferEvent(ev)
		if !s.backoff {
			return s.connect()
		}
		if !s.reconnectScheduled {
			s.reconnectScheduled = true
			s.timers.Schedule(s.c.conf.RetryDelay, &reconnectEvent{})
		}
		return s
	case *reconnectEvent:
		if !s.reconnectScheduled {
			return s
		}
		return s.connect()
	case *closeEvent:
		s.timers.Halt()
		ev.future.resolve(0, nil)
		return s
	case *connectedEvent:
		ev.channel.Close()
		return s
	case *connectFailedEvent, *errorEvent, *channelClosedEvent, *responseEvent,
		*timestampTimeoutEvent, *commitTimeoutEvent:
		return s
	}
	return s.c.fsm.Unhandled(s, e)
}

func (s *disconnectedState) connect() statemachine.State {
	s.timers.Halt()
	c := s.c
	go func() {
		channel, err := c.dialer.Dial(c.address, c.conf.ConnectTimeout, c.fsm)
		if err != nil {
			c.fsm.SendEvent(&connectFailedEvent{err: err})
			return
		}
		c.fsm.SendEvent(&connectedEvent{channel: channel})
		channel.Start()
	}()
	return &connectingState{c: c}
}

// connectingState waits for the dial to finish. Every request it sees is deferred
// and remembered so that a failed attempt can be charged against its retries.
type connectingState struct {
	c       *Client
	pending []*requestEvent
}

func (s *connectingState) String() string { return "connecting" }

func (s *connectingState) HandleEvent(e statemachine.Event) statemachine.State {
	switch ev := e.(type) {
	case *requestEvent:
		if ev.done() {
			return s
		}
		s.pending = append(s.pending, ev)
		s.c.fsm.DeferEvent(ev)
		return s
	case *closeEvent:
		s.c.fsm.DeferEvent(ev)
		return s
	case *connectedEvent:
		s.c.logger.Info("connected to TSO", "address", ev.channel.RemoteAddr())
		return newConnectedState(s.c, ev.channel)
	case *connectFailedEvent:
		s.c.logger.Error("failed to connect to TSO", "address", s.c.address, "error", ev.err)
		for _, r := range s.pending {
			if r.done() {
				continue
			}
			if !r.consumeRetry() {
				r.error(ErrServiceUnavailable)
			}
		}
		return newDisconnectedState(s.c, true)
	case *reconnectEvent, *errorEvent, *channelClosedEvent, *responseEvent,
		*timestampTimeoutEvent, *commitTimeoutEvent:
		return s
	}
	return s.c.fsm.Unhandled(s, e)
}

// connectedState owns a live channel and correlates responses with requests.
// Timestamp responses carry no request id, so they resolve the oldest
// outstanding timestamp request. Commits are keyed by start timestamp.
type connectedState struct {
	c       *Client
	channel Channel
	timers  *statemachine.Timers

	timestamps *doublylinkedlist.List
	commits    map[int64]*requestEvent
}

func newConnectedState(c *Client, channel Channel) *connectedState {
	return &connectedState{
		c:          c,
		channel:    channel,
		timers:     statemachine.NewTimers(c.fsm),
		timestamps: doublylinkedlist.New(),
		commits:    make(map[int64]*requestEvent),
	}
}

func (s *connectedState) String() string { return "connected" }

func (s *connectedState) HandleEvent(e statemachine.Event) statemachine.State {
	switch ev := e.(type) {
	case *requestEvent:
		if !ev.done() {
			s.send(ev)
		}
		return s
	case *responseEvent:
		if ev.channel == s.channel {
			s.handleResponse(ev.msg)
		}
		return s
	case *timestampTimeoutEvent:
		idx := s.timestamps.IndexOf(ev.request)
		if idx < 0 || ev.attempt != ev.request.attempt {
			return s
		}
		s.timestamps.Remove(idx)
		s.c.logger.Warn("timestamp request timed out", "attempt", ev.attempt)
		s.queueRetryOrError(ev.request)
		return s
	case *commitTimeoutEvent:
		start := ev.request.request.(*core.CommitRequest).StartTimestamp
		if s.commits[start] != ev.request || ev.attempt != ev.request.attempt {
			return s
		}
		delete(s.commits, start)
		s.c.logger.Warn("commit request timed out", "start-ts", start, "attempt", ev.attempt)
		s.queueRetryOrError(ev.request)
		return s
	case *errorEvent:
		if ev.channel != s.channel {
			return s
		}
		s.c.logger.Error("TSO channel failed", "address", s.channel.RemoteAddr(), "error", ev.err)
		s.timers.Halt()
		s.retryAll()
		s.channel.Close()
		return &closingState{c: s.c, channel: s.channel}
	case *channelClosedEvent:
		if ev.channel != s.channel {
			return s
		}
		s.c.logger.Warn("TSO channel closed by peer", "address", s.channel.RemoteAddr())
		s.timers.Halt()
		s.retryAll()
		return newDisconnectedState(s.c, false)
	case *closeEvent:
		s.timers.Halt()
		s.channel.Close()
		for _, r := range s.drainOutstanding() {
			r.error(ErrClosing)
		}
		s.c.fsm.DeferEvent(ev)
		return &closingState{c: s.c, channel: s.channel}
	case *connectedEvent:
		ev.channel.Close()
		return s
	case *reconnectEvent, *connectFailedEvent:
		return s
	}
	return s.c.fsm.Unhandled(s, e)
}

func (s *connectedState) send(r *requestEvent) {
	var timeout statemachine.Event
	switch req := r.request.(type) {
	case *core.TimestampRequest:
		s.timestamps.Add(r)
		timeout = &timestampTimeoutEvent{request: r}
	case *core.CommitRequest:
		if _, ok := s.commits[req.StartTimestamp]; ok {
			r.error(ErrCommitInProgress)
			return
		}
		s.commits[req.StartTimestamp] = r
		timeout = &commitTimeoutEvent{request: r}
	default:
		r.error(ErrUnknownRequest)
		return
	}

	r.attempt++
	switch t := timeout.(type) {
	case *timestampTimeoutEvent:
		t.attempt = r.attempt
	case *commitTimeoutEvent:
		t.attempt = r.attempt
	}

	if err := s.channel.Send(r.request); err != nil {
		s.c.fsm.SendEvent(&errorEvent{channel: s.channel, err: errors.Wrap(ErrConnection, err.Error())})
		return
	}
	if s.c.conf.RequestTimeout > 0 {
		r.cancelTimeout = s.timers.Schedule(s.c.conf.RequestTimeout, timeout)
	}
}

func (s *connectedState) handleResponse(msg interface{}) {
	switch resp := msg.(type) {
	case *core.TimestampResponse:
		front, ok := s.timestamps.Get(0)
		if !ok {
			s.c.logger.Debug("received timestamp response with no request outstanding", "start-ts", resp.StartTimestamp)
			return
		}
		s.timestamps.Remove(0)
		r := front.(*requestEvent)
		r.stopTimeout()
		r.success(resp.StartTimestamp)
	case *core.CommitResponse:
		r, ok := s.commits[resp.StartTimestamp]
		if !ok {
			s.c.logger.Debug("received commit response for unknown request", "start-ts", resp.StartTimestamp)
			return
		}
		delete(s.commits, resp.StartTimestamp)
		r.stopTimeout()
		switch {
		case resp.NotMaster:
			r.error(ErrNotMaster)
		case resp.Aborted:
			r.error(ErrAborted)
		default:
			r.success(resp.CommitTimestamp)
		}
	default:
		s.c.logger.Debug("received unexpected message", "type", hclog.Fmt("%T", msg))
	}
}

// drainOutstanding empties both correlation structures. Timestamp requests come
// first in send order, then commits by start timestamp.
func (s *connectedState) drainOutstanding() []*requestEvent {
	out := make([]*requestEvent, 0, s.timestamps.Size()+len(s.commits))
	for _, v := range s.timestamps.Values() {
		r := v.(*requestEvent)
		r.stopTimeout()
		out = append(out, r)
	}
	s.timestamps.Clear()

	commits := make([]*requestEvent, 0, len(s.commits))
	for _, r := range s.commits {
		r.stopTimeout()
		commits = append(commits, r)
	}
	sort.Slice(commits, func(i, j int) bool {
		return commits[i].request.(*core.CommitRequest).StartTimestamp <
			commits[j].request.(*core.CommitRequest).StartTimestamp
	})
	s.commits = make(map[int64]*requestEvent)
	return append(out, commits...)
}

func (s *connectedState) retryAll() {
	for _, r := range s.drainOutstanding() {
		s.queueRetryOrError(r)
	}
}

func (s *connectedState) queueRetryOrError(r *requestEvent) {
	if !r.consumeRetry() {
		s.c.logger.Warn("request retries exhausted", "type", r.kind())
		r.error(ErrServiceUnavailable)
		return
	}
	s.c.fsm.SendEvent(r)
}

// closingState waits for the channel it closed to report the close.
type closingState struct {
	c       *Client
	channel Channel
}

func (s *closingState) String() string { return "closing" }

func (s *closingState) HandleEvent(e statemachine.Event) statemachine.State {
	switch ev := e.(type) {
	case *requestEvent, *closeEvent:
		s.c.fsm.DeferEvent(ev)
		return s
	case *channelClosedEvent:
		if ev.channel != s.channel {
			return s
		}
		return newDisconnectedState(s.c, false)
	case *connectedEvent:
		ev.channel.Close()
		return s
	case *errorEvent, *responseEvent, *timestampTimeoutEvent, *commitTimeoutEvent,
		*reconnectEvent, *connectFailedEvent:
		return s
	}
	return s.c.fsm.Unhandled(s, e)
}

// consumeRetry charges one retry against the request. A commit that was already
// transmitted is marked as a retry before it is sent again; one that never left
// the client keeps its original form.
func (r *requestEvent) consumeRetry() bool {
	if r.retriesLeft <= 0 {
		return false
	}
	r.retriesLeft--
	if commit, ok := r.request.(*core.CommitRequest); ok && !commit.IsRetry && r.attempt > 0 {
		marked := commit.Clone()
		marked.IsRetry = true
		r.request = marked
	}
	retryCounter.WithLabelValues(r.kind()).Inc()
	return true
}
