// Package telemetry ships engine activity to InfluxDB, falling back to a
// gzipped line-protocol file when the server is unreachable.
package telemetry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/possync/possync/internal/engine"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
)

// Measurement names written by Sink.
const (
	MeasurementTick       = "possync_tick"
	MeasurementWaypoint   = "possync_waypoint"
	MeasurementConnection = "possync_connection"
	MeasurementPresence   = "possync_presence"
)

var (
	// ErrDisabled is returned by Connect when the sink is switched off.
	ErrDisabled = errors.New("telemetry: influx disabled")
	// ErrBackupFull is returned when the backup writer lags behind.
	ErrBackupFull = errors.New("telemetry: backup queue full")
)

// backupQueueSize bounds line-protocol records waiting for the gzip writer.
const backupQueueSize = 4096

// Config holds InfluxDB sink settings.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	FlushInterval time.Duration
	BackupPath    string
}

// Sink implements engine.Observer by writing one point per observation.
type Sink struct {
	cfg         Config
	participant string
	logger      zerolog.Logger

	client     influxdb2.Client
	writer     influxdb2_api.WriteAPI
	backup     *gzip.Writer
	backupFile *os.File
	// lines feeds backupLoop so file output stays off the tick goroutine.
	lines      chan string
	backupDone chan struct{}
	valid      bool
	written    uint64
	dropped    uint64
}

var _ engine.Observer = (*Sink)(nil)

// NewSink creates a sink tagging every point with participant.
func NewSink(cfg Config, participant string, log zerolog.Logger) *Sink {
	return &Sink{
		cfg:         cfg,
		participant: participant,
		logger:      log,
	}
}

// Connect establishes a connection to InfluxDB. When the server does not
// answer, points go to the gzip backup file instead.
func (s *Sink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	flushMs := uint(s.cfg.FlushInterval / time.Millisecond)
	if flushMs == 0 {
		flushMs = 1000
	}
	s.client = influxdb2.NewClientWithOptions(
		s.cfg.URL,
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(flushMs),
	)

	// validate client connection health
	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.logger.Info().Err(err).Str("backupPath", s.cfg.BackupPath).
			Msg("Failed to reach InfluxDB, writing to backup file")
		s.client.Close()
		s.client = nil
		return s.openBackup()
	}

	if err := s.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}

	s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)
	errorsCh := s.writer.Errors()
	go func() {
		for writeErr := range errorsCh {
			s.logger.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()
	s.valid = true
	s.logger.Info().Str("url", s.cfg.URL).Str("bucket", s.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (s *Sink) openBackup() error {
	if s.cfg.BackupPath == "" {
		return fmt.Errorf("influxDB unreachable and no backup path configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.BackupPath), 0755); err != nil {
		return fmt.Errorf("error creating backup directory: %w", err)
	}
	file, err := os.OpenFile(s.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	s.backupFile = file
	s.backup = gzip.NewWriter(file)
	s.lines = make(chan string, backupQueueSize)
	s.backupDone = make(chan struct{})
	go s.backupLoop()
	return nil
}

func (s *Sink) backupLoop() {
	defer close(s.backupDone)
	for line := range s.lines {
		if _, err := s.backup.Write([]byte(line)); err != nil {
			s.logger.Error().Err(err).Msg("error writing to InfluxDB backup file")
		}
	}
}

func (s *Sink) setupOrganizationAndBucket(ctx context.Context) error {
	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		org, err = s.client.OrganizationsAPI().CreateOrganizationWithName(ctx, s.cfg.Org)
		if err != nil {
			s.logger.Error().Err(err).Str("org", s.cfg.Org).Msg("Error creating organization")
			return fmt.Errorf("failed to create organization %q: %w", s.cfg.Org, err)
		}
	}

	if _, err := s.client.BucketsAPI().FindBucketByName(ctx, s.cfg.Bucket); err != nil {
		s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = s.client.BucketsAPI().CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 30, // 30 days
		})
		if err != nil {
			s.logger.Error().Err(err).Str("bucket", s.cfg.Bucket).Msg("Error creating bucket")
			return fmt.Errorf("failed to create bucket %q: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

// WritePoint hands a point to the async InfluxDB writer or queues it for
// the backup file. It does not wait for I/O.
func (s *Sink) WritePoint(point *influxdb2_write.Point) error {
	point.AddTag("participant", s.participant)
	switch {
	case s.valid:
		s.writer.WritePoint(point)
	case s.lines != nil:
		lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
		select {
		case s.lines <- lineProtocol + "\n":
		default:
			s.dropped++
			return ErrBackupFull
		}
	default:
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	s.written++
	return nil
}

func (s *Sink) write(point *influxdb2_write.Point) {
	if err := s.WritePoint(point); err != nil {
		s.logger.Debug().Err(err).Msg("telemetry point dropped")
	}
}

// ObserveTick records per-tick playback and transport figures.
func (s *Sink) ObserveTick(st engine.TickStats) {
	s.write(influxdb2_write.NewPoint(MeasurementTick,
		map[string]string{"status": st.Status.String()},
		map[string]any{
			"entities":    st.Entities,
			"queued":      st.Queued,
			"idle":        st.Idle,
			"interpolate": st.Interpolate,
			"correcting":  st.Correcting,
			"received":    st.Received,
			"sent":        st.Sent,
			"send_failed": st.SendFailed,
			"malformed":   st.Malformed,
			"dropped":     st.Dropped,
			"step_ms":     float64(st.Step) / float64(time.Millisecond),
		},
		st.At,
	))
}

// ObserveWaypoint records one received remote waypoint.
func (s *Sink) ObserveWaypoint(id string, wp core.Waypoint, outcome playback.Outcome) {
	p := influxdb2_write.NewPointWithMeasurement(MeasurementWaypoint).
		AddTag("entity", id).
		AddTag("outcome", outcome.String()).
		AddField("x", wp.Pos.X).
		AddField("y", wp.Pos.Y).
		AddField("area", wp.Area).
		AddField("sent_ms", wp.SentAt.Milliseconds()).
		AddField("teleport", wp.Teleport).
		SetTime(time.Now())
	s.write(p)
}

// ObserveConnection records relay connection transitions and outages.
func (s *Sink) ObserveConnection(ev transport.Event) {
	kind := "state"
	if ev.Kind == transport.EventOutage {
		kind = "outage"
	}
	p := influxdb2_write.NewPointWithMeasurement(MeasurementConnection).
		AddTag("kind", kind).
		AddTag("status", ev.Status.String()).
		AddField("previous", ev.Previous.String()).
		AddField("retry", ev.RetryCount).
		AddField("delay_ms", ev.Delay.Milliseconds()).
		SetTime(time.Now())
	if ev.Err != nil {
		p.AddField("error", ev.Err.Error())
	}
	s.write(p)
}

// ObservePresence records joins, leaves and evictions.
func (s *Sink) ObservePresence(ch presence.Change) {
	s.write(influxdb2_write.NewPointWithMeasurement(MeasurementPresence).
		AddTag("kind", ch.Kind.String()).
		AddTag("entity", ch.ID).
		AddField("count", 1).
		SetTime(time.Now()))
}

// Valid reports whether points go to a live server.
func (s *Sink) Valid() bool { return s.valid }

// Written returns how many points were accepted.
func (s *Sink) Written() uint64 { return s.written }

// Dropped returns how many points the backup queue had no room for.
func (s *Sink) Dropped() uint64 { return s.dropped }

// Close flushes pending points and releases the client and backup file.
func (s *Sink) Close() error {
	var errs []error
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.lines != nil {
		close(s.lines)
		<-s.backupDone
		s.lines = nil
	}
	if s.backup != nil {
		if err := s.backup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close backup writer: %w", err))
		}
		if err := s.backupFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close backup file: %w", err))
		}
		s.backup = nil
	}
	return errors.Join(errs...)
}
