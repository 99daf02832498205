package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*

NetworkTransport accepts TSO client connections. It requires an underlying
stream layer to provide a stream abstraction, which can be simple TCP, TLS, etc.

Each request is framed by a byte that indicates the message type, followed by
the MsgPack encoded request. Decoded requests of every connection are funneled
into a single consumer channel, so the request processor sees one ordered
stream. Responses are written back on the connection the request came from.

*/

type NetworkTransport struct {
	consumeCh chan Envelope

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	connsLock sync.Mutex
	conns     map[*NetConn]struct{}

	timeout time.Duration
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
			}

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	netC := newNetConn(conn.RemoteAddr().String(), conn, n.timeout)
	n.trackConn(netC)
	defer func() {
		n.untrackConn(netC)
		netC.Release()
	}()

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleCommand(netC); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.Error("failed to decode incoming command", "remote-address", netC.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

// handleCommand is used to decode and dispatch a single command.
func (n *NetworkTransport) handleCommand(netC *NetConn) error {
	msg, err := netC.Receive()
	if err != nil {
		return err
	}

	switch msg.(type) {
	case *TimestampRequest, *CommitRequest:
	default:
		return fmt.Errorf("unexpected message %T from client", msg)
	}

	env := Envelope{
		Command:   msg,
		Conn:      netC,
		Timestamp: time.Now().UnixNano(),
	}

	// Dispatch the request
	select {
	case n.consumeCh <- env:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

func (n *NetworkTransport) trackConn(netC *NetConn) {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	n.conns[netC] = struct{}{}
}

func (n *NetworkTransport) untrackConn(netC *NetConn) {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	delete(n.conns, netC)
}

// LocalAddr returns the address the transport listens on.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Consumer returns the channel every decoded request is delivered on.
func (n *NetworkTransport) Consumer() <-chan Envelope {
	return n.consumeCh
}

// ShutdownCh is closed once the transport is stopped.
func (n *NetworkTransport) ShutdownCh() <-chan struct{} {
	return n.shutdownCh
}

// Close is used to stop the network transport. Open client connections are
// closed as well so their handlers exit.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.streamCancel()

		n.connsLock.Lock()
		for netC := range n.conns {
			netC.Release()
		}
		n.connsLock.Unlock()

		n.shutdown = true
	}
	return nil
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	Logger hclog.Logger

	Stream StreamLayer

	// Timeout is used to apply write deadlines on replies.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tso-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		consumeCh:  make(chan Envelope),
		logger:     config.Logger,
		shutdownCh: make(chan struct{}),
		stream:     config.Stream,
		conns:      make(map[*NetConn]struct{}),
		timeout:    config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// NewNetworkTransport creates a new network transport with the given dialer
// and listener. The timeout is used to apply write deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "tso-net",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})
	config := &NetworkTransportConfig{Stream: stream, Timeout: timeout, Logger: logger}
	return NewNetworkTransportWithConfig(config)
}
