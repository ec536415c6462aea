package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// captureStdout swaps the console sink for a buffer until the test ends.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

func TestSetup_FileOnly_NoStdout(t *testing.T) {
	console := captureStdout(t)

	var fileBuf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&fileBuf, "info", nil)
	m.Logger().Info("hello file")

	assert.Contains(t, fileBuf.String(), "hello file", "log should appear in file")
	assert.Empty(t, console.String(), "nothing should be written to stdout when file is provided")
}

func TestSetup_NoFile_WritesToStdout(t *testing.T) {
	console := captureStdout(t)

	m := NewSlogManager()
	m.Setup(nil, "info", nil)
	m.Logger().Info("hello console")

	assert.Contains(t, console.String(), "hello console", "log should appear on stdout")
}

func TestSetup_DebugLevel(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "debug", nil)

	m.Logger().Debug("debug msg")
	m.Logger().Info("info msg")

	output := buf.String()
	assert.Contains(t, output, "debug msg")
	assert.Contains(t, output, "info msg")
}

func TestSetup_InfoLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", nil)

	m.Logger().Debug("should be filtered")
	m.Logger().Info("should appear")

	output := buf.String()
	assert.NotContains(t, output, "should be filtered")
	assert.Contains(t, output, "should appear")
}

func TestSetup_ReplacesLogger(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	m := NewSlogManager()

	m.Setup(&buf1, "info", nil)
	m.Logger().Info("first")

	m.Setup(&buf2, "info", nil)
	m.Logger().Info("second")

	assert.Contains(t, buf1.String(), "first")
	assert.NotContains(t, buf1.String(), "second", "old file should not receive new logs")
	assert.Contains(t, buf2.String(), "second")
}

func TestSetup_ExtraHandlersReceiveRecords(t *testing.T) {
	var fileBuf, extraBuf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&fileBuf, "info", nil, slog.NewJSONHandler(&extraBuf, nil))

	m.Logger().Info("both sinks", "entity", "alice")

	assert.Contains(t, fileBuf.String(), "both sinks")
	assert.Contains(t, extraBuf.String(), `"entity":"alice"`)
}

func TestWithContext_StampsSessionAttrs(t *testing.T) {
	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", nil)

	status := "connecting"
	m.WithContext(func(context.Context) []slog.Attr {
		return []slog.Attr{slog.String("participant", "me"), slog.String("status", status)}
	})

	m.Logger().Info("one")
	status = "connected"
	m.Logger().Info("two")

	out := buf.String()
	assert.Contains(t, out, "participant=me")
	assert.Contains(t, out, "status=connecting")
	assert.Contains(t, out, "status=connected")
}

func TestLogger_DefaultBeforeSetup(t *testing.T) {
	m := NewSlogManager()
	logger := m.Logger()
	assert.Equal(t, slog.Default(), logger)
}

func TestFlush_NilProvider(t *testing.T) {
	m := NewSlogManager()
	err := m.Flush(context.Background())
	assert.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestFanout_CopiesToEverySink(t *testing.T) {
	var buf1, buf2 bytes.Buffer
	h1 := slog.NewTextHandler(&buf1, nil)
	h2 := slog.NewJSONHandler(&buf2, nil)

	slog.New(newFanout(slog.LevelInfo, nil, h1, h2)).Info("fanned out")

	assert.Contains(t, buf1.String(), "fanned out")
	assert.Contains(t, buf2.String(), `"msg":"fanned out"`)
}

// levelless accepts every level, like the OTel bridge.
type levelless struct {
	records []slog.Record
	err     error
}

func (h *levelless) Enabled(context.Context, slog.Level) bool { return true }
func (h *levelless) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return h.err
}
func (h *levelless) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *levelless) WithGroup(string) slog.Handler      { return h }

func TestFanout_FloorAppliesToLevellessSinks(t *testing.T) {
	sink := &levelless{}
	logger := slog.New(newFanout(slog.LevelWarn, sink))

	logger.Debug("noise")
	logger.Info("noise")
	logger.Warn("kept")

	require.Len(t, sink.records, 1)
	assert.Equal(t, "kept", sink.records[0].Message)
}

func TestFanout_Enabled(t *testing.T) {
	debugText := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnText := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ctx := context.Background()

	assert.False(t, newFanout(slog.LevelInfo, debugText).Enabled(ctx, slog.LevelDebug))
	assert.True(t, newFanout(slog.LevelInfo, debugText).Enabled(ctx, slog.LevelInfo))
	assert.False(t, newFanout(slog.LevelInfo, warnText).Enabled(ctx, slog.LevelInfo))
	assert.False(t, newFanout(slog.LevelDebug).Enabled(ctx, slog.LevelError))
}

func TestFanout_DerivedHandlersKeepFloorAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	f := newFanout(slog.LevelInfo, slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger := slog.New(f.WithAttrs([]slog.Attr{slog.String("component", "relay")}).WithGroup("grp"))
	logger.Debug("hidden")
	logger.Info("shown", "key", "val")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "component=relay")
	assert.Contains(t, buf.String(), "grp.key=val")
	assert.Same(t, f, f.WithGroup(""))
}

func TestFanout_HandleJoinsSinkErrors(t *testing.T) {
	failing := &levelless{err: errors.New("gelf write failed")}
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, nil)

	err := newFanout(slog.LevelInfo, failing, text).
		Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "still written", 0))

	assert.EqualError(t, err, "gelf write failed")
	assert.Contains(t, buf.String(), "still written")
}

func TestContextHandler_SkipsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, nil)
	h := NewContextHandler(inner, func(context.Context) []slog.Attr {
		return []slog.Attr{slog.String("participant", ""), slog.Int("entities", 3)}
	})

	slog.New(h).Info("tick")

	assert.NotContains(t, buf.String(), "participant")
	assert.Contains(t, buf.String(), "entities=3")
}

func TestContextHandler_WithGroupEmpty(t *testing.T) {
	h := NewContextHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), nil)
	assert.Equal(t, h, h.WithGroup(""))
}

func TestFlush_WithProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider() // no exporter, just validates non-nil path
	m := NewSlogManager()

	var buf bytes.Buffer
	m.Setup(&buf, "info", provider)

	err := m.Flush(context.Background())
	assert.NoError(t, err)
}

func TestSetup_WithOTelProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()

	var buf bytes.Buffer
	m := NewSlogManager()
	m.Setup(&buf, "info", provider)

	m.Logger().Info("otel integrated")
	assert.Contains(t, buf.String(), "otel integrated")
}
