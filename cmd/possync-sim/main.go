// possync-sim is a headless participant: it joins a relay, walks a scripted
// route and plays back everyone else it hears about.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/possync/possync/internal/config"
	"github.com/possync/possync/internal/engine"
	"github.com/possync/possync/internal/logging"
	intOtel "github.com/possync/possync/internal/otel"
	"github.com/possync/possync/internal/telemetry"
	"github.com/possync/possync/internal/trace"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
)

const appName = "possync-sim"

type options struct {
	configDir string
	id        string
	addr      string
	duration  time.Duration
	side      int
	stepTicks int
	pause     int
	area      int
	traceOut  string
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", ".", "Directory containing "+config.FileName)
	flag.StringVar(&opts.id, "id", "", "Participant id (default: participantId from config, else a random UUID)")
	flag.StringVar(&opts.addr, "addr", "", "Relay address (default: relay.address from config)")
	flag.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	flag.IntVar(&opts.side, "side", 6, "Side of the walked square, in tiles")
	flag.IntVar(&opts.stepTicks, "step", 8, "Ticks spent on each tile")
	flag.IntVar(&opts.pause, "pause", 45, "Ticks to rest at each corner")
	flag.IntVar(&opts.area, "area", 0, "Area the walker stays in")
	flag.StringVar(&opts.traceOut, "trace-out", "", "Write the session trace database to this file on exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	sessionStart := time.Now()

	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, "info", nil)
	logger := slogManager.Logger()

	if err := config.Load(opts.configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	}
	level := config.GetString("logLevel")

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, appName, sessionStart)
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	var provider *intOtel.Provider
	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		otelCfg.LogWriter = logFile
		otelCfg.MetricWriter = logFile
		provider, err = intOtel.New(otelCfg)
		if err != nil {
			logger.Error("Failed to initialize OTel provider", "error", err)
			provider = nil
		}
	}

	var extra []slog.Handler
	var closers []io.Closer
	if config.GetBool("graylog.enabled") {
		h, closer, err := logging.NewGELFHandler(config.GetString("graylog.address"), level)
		if err != nil {
			logger.Error("Failed to initialize GELF output", "error", err)
		} else {
			extra = append(extra, h)
			closers = append(closers, closer)
		}
	}

	var logProvider *sdklog.LoggerProvider
	if provider != nil {
		logProvider = provider.LoggerProvider()
	}
	slogManager.Setup(logFile, level, logProvider, extra...)

	cfg := config.GetEngineConfig()
	if opts.id != "" {
		cfg.ParticipantID = opts.id
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	if opts.addr != "" {
		cfg.Address = opts.addr
	}

	relayProtocol := config.GetString("relay.protocol")
	slogManager.WithContext(func(context.Context) []slog.Attr {
		return []slog.Attr{
			slog.String("session", sessionStart.Format("20060102_150405")),
			slog.String("relay", relayProtocol),
		}
	})
	logger = slogManager.Logger()
	logger.Info("Logging to file", "path", logPath)
	fmt.Printf("%s %s -> %s (log: %s)\n", appName, cfg.ParticipantID, cfg.Address, logPath)

	var dialer transport.Dialer
	switch relayProtocol {
	case "tcp":
		dialer = transport.TCPDialer{WriteTimeout: cfg.Transport.WriteTimeout}
	default:
		dialer = transport.WebsocketDialer{WriteTimeout: cfg.Transport.WriteTimeout}
	}
	channel := transport.New(cfg.Transport, dialer, logger)
	if provider != nil {
		if err := channel.RegisterMetrics(provider.Meter("github.com/possync/possync/internal/transport")); err != nil {
			logger.Warn("Transport metrics unavailable", "error", err)
		}
	}

	zl := logging.NewZerolog(logFile, level)
	var observers []engine.Observer

	var sink *telemetry.Sink
	if tcfg := config.GetTelemetryConfig(); tcfg.Enabled {
		sink = telemetry.NewSink(tcfg, cfg.ParticipantID, zl.With().Str("component", "telemetry").Logger())
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("Telemetry disabled", "error", err)
			sink = nil
		} else {
			observers = append(observers, sink)
			defer sink.Close()
		}
	}

	var recorder *trace.Recorder
	if tc := config.GetTraceConfig(); tc.Enabled {
		recorder, err = trace.Open(tc, cfg.ParticipantID, cfg, logger)
		if err != nil {
			logger.Warn("Session trace disabled", "error", err)
			recorder = nil
		} else {
			observers = append(observers, recorder)
		}
	}

	local := newWalker(core.Vec2{}, opts.side, opts.stepTicks, opts.pause, opts.area)
	eng, err := engine.New(cfg, engine.Dependencies{
		Transport:      channel,
		Local:          local,
		Hints:          local,
		Logger:         logger,
		DispatchLogger: logging.NewZerologLogger(zl.With().Str("component", "dispatcher").Logger()),
		Observers:      observers,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Initialize(""); err != nil {
		return err
	}

	loop(ctx, eng, local, cfg, opts.duration, logger)
	eng.Shutdown()

	if recorder != nil {
		report(recorder, opts.traceOut, logger)
		if err := recorder.Close(); err != nil {
			logger.Warn("Failed to close session trace", "error", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := slogManager.Flush(flushCtx); err != nil {
		logger.Warn("Failed to flush logs", "error", err)
	}
	if provider != nil {
		if err := provider.Shutdown(flushCtx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
	}
	for _, c := range closers {
		_ = c.Close()
	}
	return nil
}

// loop drives the engine at the configured tick rate until ctx ends or
// duration elapses.
func loop(ctx context.Context, eng *engine.Engine, local *walker, cfg engine.Config, duration time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	rate := cfg.TickRate
	if rate <= 0 {
		rate = 60
	}
	last := time.Now()
	var ticks int
	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, shutting down")
			return
		case <-deadline:
			logger.Info("Duration elapsed, shutting down")
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			local.Advance()
			eng.Step(dt)

			ticks++
			if ticks%rate == 0 {
				logRemotes(eng, logger)
			}
		}
	}
}

func logRemotes(eng *engine.Engine, logger *slog.Logger) {
	st := eng.LastTick()
	logger.Info("tick",
		"status", st.Status.String(),
		"entities", st.Entities,
		"queued", st.Queued,
		"sent", st.Sent,
		"movement", eng.MovementState().String(),
	)
	for _, id := range eng.EntityIDs() {
		rp, ok := eng.GetRenderPosition(id)
		if !ok {
			continue
		}
		state, _ := eng.PlaybackState(id)
		logger.Debug("remote", "id", id, "x", rp.X, "y", rp.Y, "facing", rp.Facing.String(), "area", rp.Area, "state", state.String())
	}
}

func report(recorder *trace.Recorder, dumpPath string, logger *slog.Logger) {
	s, err := recorder.Summary()
	if err != nil {
		logger.Warn("Failed to summarize session", "error", err)
		return
	}
	fmt.Printf("session %s: %s, %d ticks, peak %d remote participants\n",
		s.Participant, s.Duration.Round(time.Millisecond), s.Ticks, s.PeakEntities)
	fmt.Printf("  connection: %d connects, %d outages\n", s.Connects, s.Outages)
	fmt.Printf("  presence:   %d joins, %d leaves, %d evictions\n", s.Joins, s.Leaves, s.Evictions)
	fmt.Printf("  waypoints:  %d stored, %d skipped, %d dropped, outcomes %v\n", s.Waypoints, s.Skipped, s.Dropped, s.Outcomes)
	for id, n := range s.PerEntity {
		fmt.Printf("    %s: %d\n", id, n)
	}

	if dumpPath != "" {
		if err := recorder.DumpToDisk(dumpPath); err != nil {
			logger.Warn("Failed to write session trace", "error", err)
		} else {
			fmt.Printf("  trace written to %s\n", dumpPath)
		}
	}
}
