// Package trace keeps a session-only SQLite record of what the engine
// received and how the relay connection behaved.
package trace

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/possync/possync/internal/engine"
	"github.com/possync/possync/internal/playback"
	"github.com/possync/possync/internal/presence"
	"github.com/possync/possync/internal/transport"
	"github.com/possync/possync/pkg/core"
)

// Config holds trace settings.
type Config struct {
	Enabled bool
	// MaxWaypoints caps stored waypoint rows. 0 means no cap.
	MaxWaypoints int
	// Buffer is how many rows may wait for the writer before new ones are
	// dropped.
	Buffer int
}

const defaultBuffer = 4096

// Recorder implements engine.Observer on an in-memory database. Observe
// calls only queue rows; a writer goroutine stores them in batches.
type Recorder struct {
	db      *gorm.DB
	cfg     Config
	logger  *slog.Logger
	session Session
	clock   func() time.Time

	rows    chan any
	flushes chan chan struct{}
	done    chan struct{}
	closed  bool

	waypoints int
	skipped   uint64
	dropped   uint64
	failed    atomic.Uint64
}

var _ engine.Observer = (*Recorder)(nil)

// Open creates the in-memory database and starts a session row. settings is
// stored as JSON alongside the session and may be nil.
func Open(cfg Config, participant string, settings any, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        2000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access trace database: %w", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA temp_store = MEMORY;",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	if err := db.AutoMigrate(Models...); err != nil {
		return nil, fmt.Errorf("failed to migrate trace schema: %w", err)
	}

	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	r := &Recorder{
		db:      db,
		cfg:     cfg,
		logger:  log.With("component", "trace"),
		clock:   time.Now,
		rows:    make(chan any, cfg.Buffer),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}

	raw := datatypes.JSON("{}")
	if settings != nil {
		b, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session settings: %w", err)
		}
		raw = datatypes.JSON(b)
	}
	r.session = Session{Participant: participant, StartedAt: r.clock(), Config: raw}
	if err := db.Create(&r.session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	go r.writeLoop()
	return r, nil
}

// enqueue hands row to the writer, dropping it when the writer lags.
func (r *Recorder) enqueue(row any) bool {
	if r.closed {
		return false
	}
	select {
	case r.rows <- row:
		return true
	default:
		r.dropped++
		return false
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for {
		select {
		case row, ok := <-r.rows:
			if !ok {
				return
			}
			r.writeBatch(row)
		case ack := <-r.flushes:
			r.writeBatch(nil)
			close(ack)
		}
	}
}

// writeBatch stores first plus everything already queued in one
// transaction.
func (r *Recorder) writeBatch(first any) {
	var (
		waypoints   []WaypointRecord
		connections []ConnectionRecord
		changes     []PresenceRecord
	)
	add := func(row any) {
		switch v := row.(type) {
		case WaypointRecord:
			waypoints = append(waypoints, v)
		case ConnectionRecord:
			connections = append(connections, v)
		case PresenceRecord:
			changes = append(changes, v)
		}
	}
	if first != nil {
		add(first)
	}
	for n := len(r.rows); n > 0; n-- {
		row, ok := <-r.rows
		if !ok {
			break
		}
		add(row)
	}

	total := len(waypoints) + len(connections) + len(changes)
	if total == 0 {
		return
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if len(waypoints) > 0 {
			if err := tx.Create(&waypoints).Error; err != nil {
				return err
			}
		}
		if len(connections) > 0 {
			if err := tx.Create(&connections).Error; err != nil {
				return err
			}
		}
		if len(changes) > 0 {
			return tx.Create(&changes).Error
		}
		return nil
	})
	if err != nil {
		r.failed.Add(uint64(total))
		r.logger.Debug("trace rows not stored", "rows", total, "error", err)
	}
}

// Flush waits until every row observed so far is stored.
func (r *Recorder) Flush() {
	if r.closed {
		return
	}
	ack := make(chan struct{})
	r.flushes <- ack
	<-ack
}

// ObserveTick tracks session-wide peaks.
func (r *Recorder) ObserveTick(st engine.TickStats) {
	r.session.Ticks++
	if st.Entities > r.session.PeakEntities {
		r.session.PeakEntities = st.Entities
	}
}

// ObserveWaypoint stores one received waypoint until MaxWaypoints is reached.
func (r *Recorder) ObserveWaypoint(id string, wp core.Waypoint, outcome playback.Outcome) {
	if r.cfg.MaxWaypoints > 0 && r.waypoints >= r.cfg.MaxWaypoints {
		r.skipped++
		return
	}
	if r.enqueue(WaypointRecord{
		SessionID:  r.session.ID,
		Entity:     id,
		X:          wp.Pos.X,
		Y:          wp.Pos.Y,
		Facing:     int(wp.Facing),
		Area:       wp.Area,
		SentMs:     wp.SentAt.Milliseconds(),
		Teleport:   wp.Teleport,
		Outcome:    outcome.String(),
		ReceivedAt: r.clock(),
	}) {
		r.waypoints++
	}
}

// ObserveConnection stores connection transitions and outages.
func (r *Recorder) ObserveConnection(ev transport.Event) {
	kind := "state"
	if ev.Kind == transport.EventOutage {
		kind = "outage"
	}
	detail := map[string]any{}
	if ev.Err != nil {
		detail["error"] = ev.Err.Error()
	}
	b, _ := json.Marshal(detail)
	r.enqueue(ConnectionRecord{
		SessionID: r.session.ID,
		Kind:      kind,
		Status:    ev.Status.String(),
		Previous:  ev.Previous.String(),
		Retry:     ev.RetryCount,
		DelayMs:   ev.Delay.Milliseconds(),
		Detail:    datatypes.JSON(b),
		At:        r.clock(),
	})
}

// ObservePresence stores membership changes.
func (r *Recorder) ObservePresence(ch presence.Change) {
	r.enqueue(PresenceRecord{
		SessionID: r.session.ID,
		Kind:      ch.Kind.String(),
		Entity:    ch.ID,
		At:        r.clock(),
	})
}

// Summary aggregates a session.
type Summary struct {
	Participant  string
	Duration     time.Duration
	Ticks        uint64
	PeakEntities int
	Waypoints    int64
	Skipped      uint64
	Dropped      uint64
	Outcomes     map[string]int64
	PerEntity    map[string]int64
	Connects     int64
	Outages      int64
	Joins        int64
	Leaves       int64
	Evictions    int64
}

type countRow struct {
	Name  string
	Total int64
}

// Summary queries the session totals.
func (r *Recorder) Summary() (Summary, error) {
	r.Flush()
	s := Summary{
		Participant:  r.session.Participant,
		Duration:     r.clock().Sub(r.session.StartedAt),
		Ticks:        r.session.Ticks,
		PeakEntities: r.session.PeakEntities,
		Skipped:      r.skipped,
		Dropped:      r.dropped,
		Outcomes:     map[string]int64{},
		PerEntity:    map[string]int64{},
	}
	if r.session.EndedAt.Valid {
		s.Duration = r.session.EndedAt.Time.Sub(r.session.StartedAt)
	}

	wp := r.db.Model(&WaypointRecord{}).Where("session_id = ?", r.session.ID)
	if err := wp.Count(&s.Waypoints).Error; err != nil {
		return s, fmt.Errorf("failed to count waypoints: %w", err)
	}

	var rows []countRow
	if err := r.db.Model(&WaypointRecord{}).
		Select("outcome AS name, COUNT(*) AS total").
		Where("session_id = ?", r.session.ID).
		Group("outcome").Scan(&rows).Error; err != nil {
		return s, fmt.Errorf("failed to group outcomes: %w", err)
	}
	for _, row := range rows {
		s.Outcomes[row.Name] = row.Total
	}

	rows = rows[:0]
	if err := r.db.Model(&WaypointRecord{}).
		Select("entity AS name, COUNT(*) AS total").
		Where("session_id = ?", r.session.ID).
		Group("entity").Scan(&rows).Error; err != nil {
		return s, fmt.Errorf("failed to group entities: %w", err)
	}
	for _, row := range rows {
		s.PerEntity[row.Name] = row.Total
	}

	conn := func(where string, args ...any) (int64, error) {
		var n int64
		q := r.db.Model(&ConnectionRecord{}).Where("session_id = ?", r.session.ID).Where(where, args...)
		err := q.Count(&n).Error
		return n, err
	}
	var err error
	if s.Connects, err = conn("kind = ? AND status = ?", "state", core.StatusConnected.String()); err != nil {
		return s, fmt.Errorf("failed to count connects: %w", err)
	}
	if s.Outages, err = conn("kind = ?", "outage"); err != nil {
		return s, fmt.Errorf("failed to count outages: %w", err)
	}

	rows = rows[:0]
	if err := r.db.Model(&PresenceRecord{}).
		Select("kind AS name, COUNT(*) AS total").
		Where("session_id = ?", r.session.ID).
		Group("kind").Scan(&rows).Error; err != nil {
		return s, fmt.Errorf("failed to group presence: %w", err)
	}
	for _, row := range rows {
		switch row.Name {
		case presence.Joined.String():
			s.Joins = row.Total
		case presence.Left.String():
			s.Leaves = row.Total
		case presence.Evicted.String():
			s.Evictions = row.Total
		}
	}
	return s, nil
}

// Path returns the stored waypoints of entity in arrival order.
func (r *Recorder) Path(entity string) ([]WaypointRecord, error) {
	r.Flush()
	var out []WaypointRecord
	err := r.db.Where("session_id = ? AND entity = ?", r.session.ID, entity).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load path of %s: %w", entity, err)
	}
	return out, nil
}

// Failed returns how many rows could not be stored.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// DumpToDisk writes a point-in-time copy of the database to path.
func (r *Recorder) DumpToDisk(path string) error {
	if path == "" {
		return fmt.Errorf("sqlite file path not set")
	}
	r.Flush()

	// remove existing file if it exists
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	if err := r.db.Exec("VACUUM INTO ?", path).Error; err != nil {
		return fmt.Errorf("error dumping trace to disk: %w", err)
	}
	return nil
}

// Close ends the session and releases the database. The summary is no
// longer available afterwards.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.rows)
	<-r.done

	r.session.EndedAt = sql.NullTime{Time: r.clock(), Valid: true}
	var errs []error
	if err := r.db.Save(&r.session).Error; err != nil {
		errs = append(errs, fmt.Errorf("failed to close session: %w", err))
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := sqlDB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close trace database: %w", err))
	}
	return errors.Join(errs...)
}
