package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/possync/possync/pkg/protocol"
)

// Inbound is one decoded relay message.
type Inbound struct {
	Message    protocol.Message
	ReceivedAt time.Time
}

// HandlerFunc processes an inbound message.
type HandlerFunc func(Inbound) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	logged bool
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes messages to the handler registered for their type.
// Handlers run synchronously on the caller's goroutine.
type Dispatcher struct {
	handlers map[protocol.Type]HandlerFunc
	logger   Logger

	// OTEL metrics
	processed metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[protocol.Type]HandlerFunc),
		logger:   logger,
	}

	m := meter()

	var err error

	d.processed, err = m.Int64Counter(
		"possync.messages.processed",
		metric.WithDescription("Total relay messages processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.failed, err = m.Int64Counter(
		"possync.messages.failed",
		metric.WithDescription("Total relay messages whose handler failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given message type with optional configuration.
func (d *Dispatcher) Register(t protocol.Type, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(t, handler)
	}

	d.handlers[t] = d.withMetrics(t, handler)
}

// Dispatch routes a message to its registered handler.
func (d *Dispatcher) Dispatch(in Inbound) error {
	if in.Message == nil {
		return fmt.Errorf("nil message")
	}
	h, ok := d.handlers[in.Message.MessageType()]
	if !ok {
		return fmt.Errorf("unknown message type: %s", in.Message.MessageType())
	}
	return h(in)
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(t protocol.Type) bool {
	_, ok := d.handlers[t]
	return ok
}

func (d *Dispatcher) withMetrics(t protocol.Type, h HandlerFunc) HandlerFunc {
	typeAttr := metric.WithAttributes(attribute.String("type", string(t)))
	return func(in Inbound) error {
		err := h(in)
		if err != nil {
			d.failed.Add(context.Background(), 1, typeAttr)
		} else {
			d.processed.Add(context.Background(), 1, typeAttr)
		}
		return err
	}
}

func (d *Dispatcher) withLogging(t protocol.Type, h HandlerFunc) HandlerFunc {
	return func(in Inbound) error {
		start := time.Now()
		d.logger.Debug("handling message", "type", t)

		err := h(in)

		if err != nil {
			d.logger.Error("message failed", "type", t, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("message complete", "type", t, "duration", time.Since(start))
		}

		return err
	}
}
