package tsoclient

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/treble-h/tsoracle/core"
	"github.com/treble-h/tsoracle/statemachine"
)

// Channel is one session with the TSO. Everything it observes is delivered to
// the sink it was dialed with, as events:
//   - a *responseEvent per message received,
//   - an *errorEvent when the session fails,
//   - exactly one *channelClosedEvent once it is closed, whoever closed it.
type Channel interface {
	// Send writes msg. It is only called from the state machine goroutine.
	Send(msg interface{}) error
	// Start begins delivering events.
	Start()
	Close()
	RemoteAddr() string
}

// Dialer opens channels.
type Dialer interface {
	Dial(address string, timeout time.Duration, sink statemachine.Sender) (Channel, error)
}

// TCPDialer dials the TSO with the core wire protocol.
type TCPDialer struct{}

func (TCPDialer) Dial(address string, timeout time.Duration, sink statemachine.Sender) (Channel, error) {
	conn, err := core.Dial(address, timeout)
	if err != nil {
		return nil, err
	}
	return &tcpChannel{conn: conn, sink: sink}, nil
}

type tcpChannel struct {
	conn *core.NetConn
	sink statemachine.Sender

	lock    sync.Mutex
	started bool
	closing bool
}

func (c *tcpChannel) Send(msg interface{}) error {
	return c.conn.Send(msg)
}

func (c *tcpChannel) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

func (c *tcpChannel) Start() {
	c.lock.Lock()
	if c.started || c.closing {
		c.lock.Unlock()
		return
	}
	c.started = true
	c.lock.Unlock()
	go c.readLoop()
}

// Close releases the connection; the read loop notices and reports the close.
func (c *tcpChannel) Close() {
	c.lock.Lock()
	if c.closing {
		c.lock.Unlock()
		return
	}
	c.closing = true
	started := c.started
	c.lock.Unlock()

	c.conn.Release()
	if !started {
		c.sink.SendEvent(&channelClosedEvent{channel: c})
	}
}

func (c *tcpChannel) isClosing() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closing
}

func (c *tcpChannel) readLoop() {
	defer c.sink.SendEvent(&channelClosedEvent{channel: c})
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if !c.isClosing() {
				c.sink.SendEvent(&errorEvent{channel: c, err: errors.Wrap(ErrConnection, err.Error())})
				c.conn.Release()
			}
			return
		}
		c.sink.SendEvent(&responseEvent{channel: c, msg: msg})
	}
}
