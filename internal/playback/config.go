package playback

import "time"

// Config tunes waypoint playback for one entity.
type Config struct {
	// DefaultSegment is used when the sender's timestamps give no usable
	// segment duration.
	DefaultSegment time.Duration
	// MinSegment and MaxSegment bound a timestamp-derived duration; anything
	// outside falls back to DefaultSegment.
	MinSegment time.Duration
	MaxSegment time.Duration
	// Padding stretches every segment slightly so playback does not run dry
	// between reports. Values below 1 are treated as 1.
	Padding float64
	// TeleportDistance is the largest step, per DefaultSegment of sender
	// time, that is still interpolated. Larger jumps snap. 0 disables.
	TeleportDistance float64
	// MaxExtrapolationDistance and MaxExtrapolationTime bound how far an
	// entity with an empty queue keeps drifting along its last velocity.
	// Either at 0 disables extrapolation.
	MaxExtrapolationDistance float64
	MaxExtrapolationTime     time.Duration
	// MaxQueue caps the backlog per entity.
	MaxQueue int
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultSegment:           100 * time.Millisecond,
		MinSegment:               16 * time.Millisecond,
		MaxSegment:               time.Second,
		Padding:                  1.05,
		TeleportDistance:         8,
		MaxExtrapolationDistance: 1.5,
		MaxExtrapolationTime:     250 * time.Millisecond,
		MaxQueue:                 32,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.DefaultSegment <= 0 {
		c.DefaultSegment = def.DefaultSegment
	}
	if c.MinSegment < 0 {
		c.MinSegment = 0
	}
	if c.MaxSegment <= 0 {
		c.MaxSegment = def.MaxSegment
	}
	if c.MinSegment > c.MaxSegment {
		c.MinSegment, c.MaxSegment = c.MaxSegment, c.MinSegment
	}
	if c.Padding < 1 {
		c.Padding = 1
	}
	if c.TeleportDistance < 0 {
		c.TeleportDistance = 0
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = def.MaxQueue
	}
	return c
}

func (c Config) extrapolates() bool {
	return c.MaxExtrapolationDistance > 0 && c.MaxExtrapolationTime > 0
}
