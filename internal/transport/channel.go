// Package transport keeps a relay connection alive without ever blocking the
// tick that drives it.
//
// Dialing, reading and writing run on goroutines owned by the Channel and
// hand their results back through buffered channels. Every state transition
// happens inside Connect, Poll or Send, on the caller's goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
)

var (
	ErrNotConnected  = errors.New("transport: not connected")
	ErrSendQueueFull = errors.New("transport: send queue full")
	ErrClosed        = errors.New("transport: channel closed")
	ErrIdleTimeout   = errors.New("transport: no data from relay")
)

// Config tunes reconnection and I/O.
type Config struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	// Keepalive queues a Heartbeat when nothing was written for this long.
	// 0 disables.
	Keepalive time.Duration
	// IdleTimeout treats a silent relay as a read failure. 0 disables.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	SendQueue    int
	MaxLineBytes int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BackoffBase:    500 * time.Millisecond,
		BackoffCap:     10 * time.Second,
		MaxRetries:     8,
		ConnectTimeout: 5 * time.Second,
		Keepalive:      5 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendQueue:      256,
		MaxLineBytes:   protocol.DefaultMaxLine,
	}
}

// EventKind distinguishes channel events.
type EventKind int

const (
	// EventStateChanged fires on every status transition.
	EventStateChanged EventKind = iota
	// EventOutage fires once when consecutive failures exceed MaxRetries.
	EventOutage
)

func (k EventKind) String() string {
	if k == EventOutage {
		return "outage"
	}
	return "state_changed"
}

// Event describes a connectivity change.
type Event struct {
	Kind       EventKind
	Status     core.ConnectionStatus
	Previous   core.ConnectionStatus
	RetryCount int
	Delay      time.Duration
	Err        error
}

// Stats are cumulative counters. Safe to read from any goroutine.
type Stats struct {
	Malformed  uint64
	Dropped    uint64
	Reconnects uint64
}

type dialResult struct {
	conn Conn
	err  error
}

// Channel is a self-healing relay connection driven by Poll.
type Channel struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	now    func() time.Time

	addr       string
	status     core.ConnectionStatus
	retryCount int
	delay      time.Duration
	nextRetry  time.Time
	outage     bool
	everOpen   bool

	dialing    chan dialResult
	cancelDial context.CancelFunc

	sess      *session
	lines     *protocol.LineBuffer
	lastRead  time.Time
	lastWrite time.Time

	closed    bool
	listeners []func(Event)

	malformed  atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a disconnected channel.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Channel {
	def := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = def.MaxLineBytes
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "transport"),
		now:    time.Now,
		status: core.StatusDisconnected,
		lines:  protocol.NewLineBuffer(cfg.MaxLineBytes),
	}
}

// OnEvent registers a listener. Listeners run synchronously inside Poll,
// Connect or Send.
func (c *Channel) OnEvent(fn func(Event)) {
	c.listeners = append(c.listeners, fn)
}

// Connect starts connecting to addr. It returns immediately; progress is
// observed through Poll.
func (c *Channel) Connect(addr string) error {
	if c.closed {
		return ErrClosed
	}
	if addr == "" {
		return errors.New("transport: empty address")
	}
	if c.status != core.StatusDisconnected {
		return nil
	}
	c.addr = addr
	c.startDial()
	return nil
}

func (c *Channel) startDial() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	res := make(chan dialResult, 1)
	dialer, addr := c.dialer, c.addr
	go func() {
		conn, err := dialer.Dial(ctx, addr)
		res <- dialResult{conn: conn, err: err}
	}()
	c.dialing = res
	c.cancelDial = cancel
	c.setStatus(core.StatusConnecting, nil)
}

// Poll advances the connection state machine and returns the messages
// decoded since the last call. It never blocks.
func (c *Channel) Poll() []protocol.Message {
	if c.closed {
		return nil
	}
	now := c.now()

	switch c.status {
	case core.StatusConnecting:
		c.checkDial(now)
	case core.StatusReconnecting:
		if !now.Before(c.nextRetry) {
			c.startDial()
		}
	}
	if c.status != core.StatusConnected {
		return nil
	}

	msgs := c.drain(now)
	if c.status != core.StatusConnected {
		return msgs
	}

	if c.cfg.IdleTimeout > 0 && now.Sub(c.lastRead) >= c.cfg.IdleTimeout {
		c.disconnect(now, ErrIdleTimeout)
		return msgs
	}
	if c.cfg.Keepalive > 0 && now.Sub(c.lastWrite) >= c.cfg.Keepalive {
		if err := c.Send(protocol.Heartbeat{}); err != nil {
			c.logger.Debug("keepalive not queued", "error", err)
		}
	}
	return msgs
}

func (c *Channel) checkDial(now time.Time) {
	select {
	case r := <-c.dialing:
		c.dialing = nil
		c.cancelDial()
		c.cancelDial = nil
		if r.err != nil {
			c.fail(now, r.err)
			return
		}
		c.open(now, r.conn)
	default:
	}
}

func (c *Channel) open(now time.Time, conn Conn) {
	c.sess = newSession(conn, c.cfg.SendQueue)
	c.lines.Reset()
	c.lastRead = now
	c.lastWrite = now
	if c.everOpen {
		c.reconnects.Add(1)
	}
	c.everOpen = true
	c.retryCount = 0
	c.delay = 0
	c.outage = false
	c.logger.Info("connected to relay", "addr", c.addr)
	c.setStatus(core.StatusConnected, nil)
}

// fail schedules the next attempt after a dial or I/O failure.
func (c *Channel) fail(now time.Time, err error) {
	c.retryCount++
	c.delay = Backoff(c.cfg, c.retryCount)
	c.nextRetry = now.Add(c.delay)
	c.logger.Warn("relay connection failed",
		"addr", c.addr, "attempt", c.retryCount, "backoff", c.delay, "error", err)
	c.setStatus(core.StatusReconnecting, err)

	if c.cfg.MaxRetries > 0 && c.retryCount > c.cfg.MaxRetries && !c.outage {
		c.outage = true
		c.logger.Error("relay unreachable, retrying at capped backoff",
			"addr", c.addr, "attempts", c.retryCount, "backoff", c.delay)
		c.emit(Event{
			Kind:       EventOutage,
			Status:     c.status,
			Previous:   c.status,
			RetryCount: c.retryCount,
			Delay:      c.delay,
			Err:        err,
		})
	}
}

func (c *Channel) disconnect(now time.Time, err error) {
	c.sess.stop(false)
	c.sess = nil
	c.fail(now, err)
}

func (c *Channel) drain(now time.Time) []protocol.Message {
	var msgs []protocol.Message
	emit := func(line []byte) {
		msg, err := protocol.Decode(line)
		if err != nil {
			c.malformed.Add(1)
			c.logger.Debug("dropping malformed line", "error", err)
			return
		}
		msgs = append(msgs, msg)
	}

	// The reader queues every chunk before it reports the error that ended
	// it, so errors are only looked at once inbound is empty.
	for i := 0; i < inboundChSize; i++ {
		select {
		case chunk := <-c.sess.inbound:
			c.lastRead = now
			if n := c.lines.Feed(chunk, emit); n > 0 {
				c.malformed.Add(uint64(n))
				c.logger.Debug("dropping overlong lines", "count", n)
			}
			continue
		default:
		}
		select {
		case err := <-c.sess.errs:
			c.disconnect(now, err)
		default:
		}
		break
	}
	return msgs
}

// Send queues msg for writing. It fails fast when the channel is not
// connected or the queue is full.
func (c *Channel) Send(msg protocol.Message) error {
	if c.closed {
		return ErrClosed
	}
	if c.status != core.StatusConnected {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	select {
	case c.sess.outbound <- data:
		c.lastWrite = c.now()
		return nil
	default:
		c.dropped.Add(1)
		return ErrSendQueueFull
	}
}

// Shutdown cancels any pending dial, flushes queued frames best-effort and
// closes the connection. No events are emitted afterwards and later calls are
// no-ops.
func (c *Channel) Shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.listeners = nil

	if c.dialing != nil {
		c.cancelDial()
		if r := <-c.dialing; r.conn != nil {
			_ = r.conn.Close()
		}
		c.dialing = nil
		c.cancelDial = nil
	}
	if c.sess != nil {
		c.sess.stop(true)
		c.sess = nil
	}
	c.status = core.StatusDisconnected
	c.logger.Info("transport shut down", "addr", c.addr)
}

func (c *Channel) setStatus(s core.ConnectionStatus, err error) {
	if s == c.status {
		return
	}
	prev := c.status
	c.status = s
	c.emit(Event{
		Kind:       EventStateChanged,
		Status:     s,
		Previous:   prev,
		RetryCount: c.retryCount,
		Delay:      c.delay,
		Err:        err,
	})
}

func (c *Channel) emit(ev Event) {
	for _, fn := range c.listeners {
		fn(ev)
	}
}

// Status returns the connection state.
func (c *Channel) Status() core.ConnectionStatus { return c.status }

// RetryCount returns the number of consecutive failures.
func (c *Channel) RetryCount() int { return c.retryCount }

// Delay returns the backoff currently being waited out.
func (c *Channel) Delay() time.Duration { return c.delay }

// Stats returns cumulative counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Malformed:  c.malformed.Load(),
		Dropped:    c.dropped.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// RegisterMetrics exposes the channel counters as observable instruments.
func (c *Channel) RegisterMetrics(meter metric.Meter) error {
	malformed, err := meter.Int64ObservableCounter("possync.transport.malformed",
		metric.WithDescription("Inbound lines dropped as malformed"))
	if err != nil {
		return fmt.Errorf("failed to create malformed counter: %w", err)
	}
	dropped, err := meter.Int64ObservableCounter("possync.transport.dropped",
		metric.WithDescription("Outbound frames dropped on a full send queue"))
	if err != nil {
		return fmt.Errorf("failed to create dropped counter: %w", err)
	}
	reconnects, err := meter.Int64ObservableCounter("possync.transport.reconnects",
		metric.WithDescription("Successful reconnections after a failure"))
	if err != nil {
		return fmt.Errorf("failed to create reconnects counter: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(malformed, int64(c.malformed.Load()))
		o.ObserveInt64(dropped, int64(c.dropped.Load()))
		o.ObserveInt64(reconnects, int64(c.reconnects.Load()))
		return nil
	}, malformed, dropped, reconnects)
	if err != nil {
		return fmt.Errorf("failed to register transport metrics: %w", err)
	}
	return nil
}
