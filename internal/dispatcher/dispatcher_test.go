package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/possync/possync/pkg/protocol"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_RoutesByType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got protocol.Message
	d.Register(protocol.TypeJoin, func(in Inbound) error {
		got = in.Message
		return nil
	})

	err := d.Dispatch(Inbound{Message: protocol.Join{ID: "alice"}})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got != (protocol.Join{ID: "alice"}) {
		t.Errorf("expected join for alice, got %v", got)
	}
}

func TestDispatcher_UnknownType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(Inbound{Message: protocol.Heartbeat{}})

	if err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestDispatcher_NilMessage(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if err := d.Dispatch(Inbound{}); err == nil {
		t.Error("expected error for nil message")
	}
}

func TestDispatcher_HandlerErrorReturned(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(protocol.TypeLeave, func(in Inbound) error {
		return fmt.Errorf("boom")
	})

	if err := d.Dispatch(Inbound{Message: protocol.Leave{ID: "x"}}); err == nil {
		t.Error("expected handler error")
	}
}

func TestDispatcher_LoggedHandler(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.TypePosition, func(in Inbound) error {
		return nil
	}, Logged())

	d.Dispatch(Inbound{Message: protocol.Position{ID: "a"}})

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if len(logger.messages) < 2 {
		t.Errorf("expected at least 2 log messages, got %d", len(logger.messages))
	}
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.TypeJoin, func(in Inbound) error {
		return fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(Inbound{Message: protocol.Join{ID: "a"}})

	logger.mu.Lock()
	defer logger.mu.Unlock()

	hasError := false
	for _, msg := range logger.messages {
		if strings.HasPrefix(msg, "ERROR") {
			hasError = true
			break
		}
	}

	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(protocol.TypeHeartbeat, func(in Inbound) error { return nil })

	if !d.HasHandler(protocol.TypeHeartbeat) {
		t.Error("expected handler to exist")
	}

	if d.HasHandler(protocol.TypeLeave) {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_CountsProcessedAndFailed(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(prev)

	d, _ := newTestDispatcher(t)
	d.Register(protocol.TypeJoin, func(in Inbound) error { return nil })
	d.Register(protocol.TypeLeave, func(in Inbound) error { return fmt.Errorf("nope") })

	d.Dispatch(Inbound{Message: protocol.Join{ID: "a"}})
	d.Dispatch(Inbound{Message: protocol.Join{ID: "b"}})
	d.Dispatch(Inbound{Message: protocol.Leave{ID: "a"}})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[m.Name] += dp.Value
			}
		}
	}

	if totals["possync.messages.processed"] != 2 {
		t.Errorf("expected 2 processed, got %d", totals["possync.messages.processed"])
	}
	if totals["possync.messages.failed"] != 1 {
		t.Errorf("expected 1 failed, got %d", totals["possync.messages.failed"])
	}
}
