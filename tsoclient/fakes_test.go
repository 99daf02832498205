package tsoclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/treble-h/tsoracle/config"
	"github.com/treble-h/tsoracle/statemachine"
)

const waitFor = 2 * time.Second

var testLogger = hclog.NewNullLogger()

var errDialRefused = errors.New("connection refused")

// fakeDialer hands out fakeChannels. The first failDials dials fail; a negative
// value fails every dial.
type fakeDialer struct {
	lock      sync.Mutex
	dials     int
	failDials int

	channels chan *fakeChannel
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{channels: make(chan *fakeChannel, 16)}
}

func (d *fakeDialer) Dial(address string, timeout time.Duration, sink statemachine.Sender) (Channel, error) {
	d.lock.Lock()
	d.dials++
	fail := d.failDials != 0
	if d.failDials > 0 {
		d.failDials--
	}
	d.lock.Unlock()

	if fail {
		return nil, errDialRefused
	}
	ch := &fakeChannel{sink: sink, sent: make(chan interface{}, 64)}
	d.channels <- ch
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-d.channels:
		return ch
	case <-time.After(waitFor):
		t.Fatal("no channel dialed")
		return nil
	}
}

type fakeChannel struct {
	sink statemachine.Sender
	sent chan interface{}

	lock    sync.Mutex
	sendErr error
	closed  bool
}

func (c *fakeChannel) Send(msg interface{}) error {
	c.lock.Lock()
	err := c.sendErr
	c.lock.Unlock()
	if err != nil {
		return err
	}
	c.sent <- msg
	return nil
}

func (c *fakeChannel) Start() {}

func (c *fakeChannel) Close() {
	if c.markClosed() {
		c.sink.SendEvent(&channelClosedEvent{channel: c})
	}
}

func (c *fakeChannel) RemoteAddr() string {
	return "fake:0"
}

func (c *fakeChannel) markClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *fakeChannel) isClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed
}

func (c *fakeChannel) respond(msg interface{}) {
	c.sink.SendEvent(&responseEvent{channel: c, msg: msg})
}

func (c *fakeChannel) fail(err error) {
	c.sink.SendEvent(&errorEvent{channel: c, err: err})
}

// peerClose simulates the server dropping the connection.
func (c *fakeChannel) peerClose() {
	c.Close()
}

func (c *fakeChannel) expectSent(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(waitFor):
		t.Fatal("nothing sent")
		return nil
	}
}

func (c *fakeChannel) expectNothingSent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-c.sent:
		t.Fatalf("unexpected send of %T", msg)
	case <-time.After(d):
	}
}

func newTestClient(t *testing.T, dialer Dialer, configure func(*config.ClientConfig)) *Client {
	t.Helper()
	conf := config.NewClientConfig("tso.test", 54758)
	conf.RetryDelay = time.Millisecond
	if configure != nil {
		configure(conf)
	}
	c, err := NewWithDialer(conf, dialer, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func result(t *testing.T, f *Future) (int64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := f.Get(ctx)
	require.NotEqual(t, context.DeadlineExceeded, err, "future not resolved")
	return v, err
}
