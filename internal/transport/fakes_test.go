package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

type fakeConn struct {
	reads    chan []byte
	readErr  chan error
	closedCh chan struct{}
	gate     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:    make(chan []byte, 16),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

// Read hands out queued chunks before a queued error, like a socket that
// delivers buffered bytes before EOF.
func (c *fakeConn) Read() ([]byte, error) {
	select {
	case b := <-c.reads:
		return b, nil
	default:
	}
	select {
	case b := <-c.reads:
		return b, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closedCh:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) Write(data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closedCh:
			return net.ErrClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closedCh) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, b := range c.written {
		out[i] = string(b)
	}
	return out
}

// fakeDialer hands out queued outcomes; with nothing queued every dial is
// refused.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	hold  bool
}

var errRefused = errors.New("connection refused")

func (d *fakeDialer) push(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conns...)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	var conn *fakeConn
	if len(d.conns) > 0 {
		conn = d.conns[0]
		d.conns = d.conns[1:]
	}
	d.mu.Unlock()

	if hold {
		<-ctx.Done()
		if conn != nil {
			return conn, nil
		}
		return nil, ctx.Err()
	}
	if conn == nil {
		return nil, errRefused
	}
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() Config {
	return Config{
		BackoffBase:    100 * time.Millisecond,
		BackoffCap:     time.Second,
		MaxRetries:     3,
		ConnectTimeout: time.Second,
		SendQueue:      4,
		MaxLineBytes:   256,
	}
}

func newTestChannel(cfg Config, d Dialer) (*Channel, *fakeClock, *[]Event) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	ch := New(cfg, d, nil)
	ch.now = clock.Now
	events := &[]Event{}
	ch.OnEvent(func(ev Event) { *events = append(*events, ev) })
	return ch, clock, events
}

// pollUntil polls from the test goroutine until cond holds.
func pollUntil(t *testing.T, ch *Channel, cond func([]protocol.Message) bool) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got = append(got, ch.Poll()...)
		if cond(got) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, "condition not reached", "status %s", ch.Status())
	return nil
}

func statusIs(ch *Channel, s core.ConnectionStatus) func([]protocol.Message) bool {
	return func([]protocol.Message) bool { return ch.Status() == s }
}
