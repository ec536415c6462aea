package logging

import (
	"context"
	"errors"
	"log/slog"
)

// fanout copies each record to several sinks. The OTel bridge and the GELF
// handler have no level of their own, so the configured floor is enforced
// here for every sink.
type fanout struct {
	floor slog.Leveler
	sinks []slog.Handler
}

func newFanout(floor slog.Leveler, sinks ...slog.Handler) *fanout {
	f := &fanout{floor: floor}
	for _, h := range sinks {
		if h != nil {
			f.sinks = append(f.sinks, h)
		}
	}
	return f
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	if level < f.floor.Level() {
		return false
	}
	for _, h := range f.sinks {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle keeps going past a failing sink and returns every failure joined.
func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < f.floor.Level() {
		return nil
	}
	var errs []error
	for _, h := range f.sinks {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *fanout) derive(fn func(slog.Handler) slog.Handler) *fanout {
	sinks := make([]slog.Handler, len(f.sinks))
	for i, h := range f.sinks {
		sinks[i] = fn(h)
	}
	return &fanout{floor: f.floor, sinks: sinks}
}
