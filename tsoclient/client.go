// Package tsoclient talks to a timestamp oracle. Every call returns a Future;
// requests are retried over timeouts and reconnections until their retry budget
// is spent.
package tsoclient

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/treble-h/tsoracle/config"
	"github.com/treble-h/tsoracle/core"
	"github.com/treble-h/tsoracle/statemachine"
)

type Client struct {
	conf    *config.ClientConfig
	logger  hclog.Logger
	dialer  Dialer
	address string
	fsm     *statemachine.Fsm

	closed      int32
	closeOnce   sync.Once
	closeFuture *Future
}

// New creates a client that connects to the TSO over TCP on first use.
func New(conf *config.ClientConfig, logger hclog.Logger) (*Client, error) {
	return NewWithDialer(conf, TCPDialer{}, logger)
}

// NewWithDialer creates a client opening its channels with dialer.
func NewWithDialer(conf *config.ClientConfig, dialer Dialer, logger hclog.Logger) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tsoclient",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}

	c := &Client{
		conf:        conf,
		logger:      logger,
		dialer:      dialer,
		address:     net.JoinHostPort(conf.TSOHost, strconv.Itoa(conf.TSOPort)),
		closeFuture: newFuture(),
	}
	c.fsm = statemachine.New(logger.Named("fsm"))
	c.fsm.OnTransition(func(from, to statemachine.State) {
		transitionCounter.WithLabelValues(statemachine.StateName(to)).Inc()
		logger.Debug("connection state changed", "from", statemachine.StateName(from),
			"to", statemachine.StateName(to))
	})
	c.fsm.Start(newDisconnectedState(c, false))
	return c, nil
}

// GetNewStartTimestamp requests a fresh start timestamp.
func (c *Client) GetNewStartTimestamp() *Future {
	return c.submit(&core.TimestampRequest{})
}

// Commit asks the TSO to commit the transaction started at startTs which wrote
// cells. The future holds the commit timestamp, or ErrAborted on a conflict.
func (c *Client) Commit(startTs int64, cells []CellID) *Future {
	ids := make([]int64, len(cells))
	for i, cell := range cells {
		ids[i] = cell.CellID()
	}
	return c.submit(&core.CommitRequest{StartTimestamp: startTs, CellIDs: ids})
}

func (c *Client) submit(request interface{}) *Future {
	r := newRequestEvent(request, c.conf.RequestMaxRetries)
	requestCounter.WithLabelValues(r.kind()).Inc()
	if atomic.LoadInt32(&c.closed) == 1 {
		r.error(ErrClosing)
		return r.future
	}
	c.fsm.SendEvent(r)
	return r.future
}

// Close fails every outstanding request with ErrClosing and releases the
// connection. The returned future resolves once the client is closed; later
// calls return the same future.
func (c *Client) Close() *Future {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.closed, 1)
		c.closeFuture.OnComplete(func(int64, error) {
			c.fsm.Shutdown()
		})
		c.fsm.SendEvent(&closeEvent{future: c.closeFuture})
	})
	return c.closeFuture
}
