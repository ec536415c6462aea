package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/possync/possync/internal/playback"
)

func TestEntityTable_NewEntityTable(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())

	require.NotNil(t, table)
	assert.Zero(t, table.Len())
	assert.Empty(t, table.IDs())
}

func TestEntityTable_EnsureCreatesOnce(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())
	now := time.Unix(100, 0)

	e, created := table.Ensure("alice", now)
	require.True(t, created)
	assert.Equal(t, "alice", e.ID)
	assert.Equal(t, now, e.JoinedAt)
	require.NotNil(t, e.Playback)
	assert.Zero(t, e.Playback.Len())

	again, created := table.Ensure("alice", now.Add(time.Second))
	assert.False(t, created)
	assert.Same(t, e, again)
	assert.Equal(t, 1, table.Len())
}

func TestEntityTable_Get_NotFound(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())

	_, ok := table.Get("nobody")
	assert.False(t, ok, "expected not to find unknown entity")
}

func TestEntityTable_Remove(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())
	table.Ensure("alice", time.Time{})

	assert.True(t, table.Remove("alice"))
	assert.False(t, table.Remove("alice"))
	assert.Zero(t, table.Len())
}

func TestEntityTable_IDsSorted(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())
	for _, id := range []string{"carol", "alice", "bob"} {
		table.Ensure(id, time.Time{})
	}

	assert.Equal(t, []string{"alice", "bob", "carol"}, table.IDs())
}

func TestEntityTable_Each(t *testing.T) {
	table := NewEntityTable(playback.DefaultConfig())
	table.Ensure("a", time.Time{})
	table.Ensure("b", time.Time{})

	seen := map[string]bool{}
	table.Each(func(e *Entity) { seen[e.ID] = true })
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
}
