package cache

import (
	"sort"
	"time"

	"github.com/possync/possync/internal/playback"
)

// Entity is one tracked remote participant.
type Entity struct {
	ID       string
	Playback *playback.Playback
	JoinedAt time.Time
	LastSeen time.Time
}

// EntityTable holds the remote entities keyed by participant id. It is only
// touched from the tick goroutine and carries no lock.
type EntityTable struct {
	cfg      playback.Config
	entities map[string]*Entity
}

// NewEntityTable creates an empty table whose entities play back with cfg.
func NewEntityTable(cfg playback.Config) *EntityTable {
	return &EntityTable{
		cfg:      cfg,
		entities: make(map[string]*Entity),
	}
}

// Get returns the entity for id.
func (t *EntityTable) Get(id string) (*Entity, bool) {
	e, ok := t.entities[id]
	return e, ok
}

// Ensure returns the entity for id, creating it with an empty queue if it is
// not tracked yet.
func (t *EntityTable) Ensure(id string, now time.Time) (*Entity, bool) {
	if e, ok := t.entities[id]; ok {
		return e, false
	}
	e := &Entity{
		ID:       id,
		Playback: playback.New(t.cfg),
		JoinedAt: now,
		LastSeen: now,
	}
	t.entities[id] = e
	return e, true
}

// Remove discards the entity and its queue. It reports whether id was tracked.
func (t *EntityTable) Remove(id string) bool {
	if _, ok := t.entities[id]; !ok {
		return false
	}
	delete(t.entities, id)
	return true
}

func (t *EntityTable) Len() int {
	return len(t.entities)
}

// IDs returns the tracked ids in sorted order.
func (t *EntityTable) IDs() []string {
	ids := make([]string, 0, len(t.entities))
	for id := range t.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each calls fn for every entity in unspecified order. fn must not add or
// remove entities.
func (t *EntityTable) Each(fn func(*Entity)) {
	for _, e := range t.entities {
		fn(e)
	}
}
