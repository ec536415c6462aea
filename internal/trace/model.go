package trace

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Models lists every table the trace migrates.
var Models = []interface{}{
	&Session{},
	&WaypointRecord{},
	&ConnectionRecord{},
	&PresenceRecord{},
}

// Session is one engine run.
type Session struct {
	gorm.Model
	Participant  string         `json:"participant" gorm:"size:127;index"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      sql.NullTime   `json:"endedAt"`
	Config       datatypes.JSON `json:"config"`
	PeakEntities int            `json:"peakEntities"`
	Ticks        uint64         `json:"ticks"`
}

// WaypointRecord is one received remote waypoint and what playback did with it.
type WaypointRecord struct {
	ID         uint      `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID  uint      `json:"sessionId" gorm:"index"`
	Entity     string    `json:"entity" gorm:"size:127;index"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Facing     int       `json:"facing"`
	Area       int       `json:"area"`
	SentMs     int64     `json:"sentMs"`
	Teleport   bool      `json:"teleport"`
	Outcome    string    `json:"outcome" gorm:"size:16;index"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ConnectionRecord is one relay connection event.
type ConnectionRecord struct {
	ID        uint           `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID uint           `json:"sessionId" gorm:"index"`
	Kind      string         `json:"kind" gorm:"size:16"`
	Status    string         `json:"status" gorm:"size:16;index"`
	Previous  string         `json:"previous" gorm:"size:16"`
	Retry     int            `json:"retry"`
	DelayMs   int64          `json:"delayMs"`
	Detail    datatypes.JSON `json:"detail"`
	At        time.Time      `json:"at"`
}

// PresenceRecord is one membership change.
type PresenceRecord struct {
	ID        uint      `json:"id" gorm:"primarykey;autoIncrement"`
	SessionID uint      `json:"sessionId" gorm:"index"`
	Kind      string    `json:"kind" gorm:"size:16;index"`
	Entity    string    `json:"entity" gorm:"size:127"`
	At        time.Time `json:"at"`
}
