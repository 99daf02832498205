package core

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// StreamLayer is used with the NetworkTransport to provide
// the low level stream abstraction.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)
}

// TCPStreamLayer implements StreamLayer interface for plain TCP.
type TCPStreamLayer struct {
	listener *net.TCPListener
}

// Dial implements the StreamLayer interface.
func (t *TCPStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// Accept implements the net.Listener interface.
func (t *TCPStreamLayer) Accept() (c net.Conn, err error) {
	return t.listener.Accept()
}

// Close implements the net.Listener interface.
func (t *TCPStreamLayer) Close() (err error) {
	return t.listener.Close()
}

// Addr implements the net.Listener interface.
func (t *TCPStreamLayer) Addr() net.Addr {
	return t.listener.Addr()
}

// NetConn is one framed TSO connection. Every message is a type byte followed by
// the msgpack encoded body. Sends are serialized, receives must come from a single
// goroutine.
type NetConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder

	writeTimeout time.Duration
	writeLock    sync.Mutex
}

func newNetConn(target string, conn net.Conn, writeTimeout time.Duration) *NetConn {
	netC := &NetConn{
		target:       target,
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		writeTimeout: writeTimeout,
	}
	netC.dec = codec.NewDecoder(netC.r, &codec.MsgpackHandle{})
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC
}

// Dial opens a framed connection to a TSO listening at address.
func Dial(address string, timeout time.Duration) (*NetConn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}
	return newNetConn(address, conn, 0), nil
}

// Send writes one message and flushes it.
func (n *NetConn) Send(msg interface{}) error {
	msgType, err := MsgTypeOf(msg)
	if err != nil {
		return err
	}

	n.writeLock.Lock()
	defer n.writeLock.Unlock()

	if n.writeTimeout > 0 {
		n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout))
	}
	if err := n.w.WriteByte(uint8(msgType)); err != nil {
		return err
	}
	if err := n.enc.Encode(msg); err != nil {
		return err
	}
	return n.w.Flush()
}

// Receive blocks until the next message arrives. io.EOF is returned when the peer
// closed the connection cleanly.
func (n *NetConn) Receive() (interface{}, error) {
	rpcType, err := n.r.ReadByte()
	if err != nil {
		return nil, err
	}
	msg, err := newMsg(MsgType(rpcType))
	if err != nil {
		return nil, err
	}
	if err := n.dec.Decode(msg); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

// RemoteAddr implements ReplyConn.
func (n *NetConn) RemoteAddr() string {
	return n.conn.RemoteAddr().String()
}

func (n *NetConn) Release() error {
	return n.conn.Close()
}

func newTCPTransport(bindAddr string,
	transportCreator func(stream StreamLayer) *NetworkTransport) (*NetworkTransport, error) {
	// Try to bind
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	// Create stream
	stream := &TCPStreamLayer{
		listener: list.(*net.TCPListener),
	}

	// Create the network transport
	trans := transportCreator(stream)
	return trans, nil
}

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer.
func NewTCPTransport(
	bindAddr string,
	timeout time.Duration,
	logOutput io.Writer,
) (*NetworkTransport, error) {
	return newTCPTransport(bindAddr, func(stream StreamLayer) *NetworkTransport {
		return NewNetworkTransport(stream, timeout, logOutput)
	})
}

// NewTCPTransportWithConfig returns a NetworkTransport built on top of a TCP
// streaming transport layer, using the provided config struct.
func NewTCPTransportWithConfig(
	bindAddr string,
	config *NetworkTransportConfig,
) (*NetworkTransport, error) {
	return newTCPTransport(bindAddr, func(stream StreamLayer) *NetworkTransport {
		config.Stream = stream
		return NewNetworkTransportWithConfig(config)
	})
}
