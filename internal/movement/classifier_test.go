package movement

import (
	"errors"
	"testing"
	"time"

	"github.com/possync/possync/pkg/core"
	"github.com/possync/possync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent []protocol.Position
	err  error
}

func (r *recordingSender) Send(msg protocol.Message) error {
	if p, ok := msg.(protocol.Position); ok {
		r.sent = append(r.sent, p)
	}
	return r.err
}

const tickLen = 16 * time.Millisecond

type harness struct {
	c     *Classifier
	out   *recordingSender
	tick  int
	sends map[int]Reason
}

func newHarness(cfg Config) *harness {
	h := &harness{out: &recordingSender{}, sends: map[int]Reason{}}
	h.c = New(cfg, "local", h.out, nil)
	h.c.OnSend(func(r Reason, _ protocol.Position) { h.sends[h.tick] = r })
	return h
}

func (h *harness) step(pos core.Position, hint Hint) {
	h.tick++
	h.c.Tick(time.Duration(h.tick)*tickLen, pos, hint)
}

func at(x, y float64) core.Position {
	return core.Position{Pos: core.Vec2{X: x, Y: y}, Facing: core.FacingDown}
}

func testConfig() Config {
	return Config{
		SendIntervalTicks: 3,
		IdleDebounceTicks: 30,
		HeartbeatTicks:    100,
		HintLeadTicks:     4,
		PredictStep:       1,
	}
}

func TestClassifier_FirstSampleIsBaseline(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(5, 5), Hint{})

	assert.Empty(t, h.out.sent)
	assert.Equal(t, Idle, h.c.State())
}

func TestClassifier_StationaryAfterMoveSendsStartAndFinal(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(1, 0), Hint{})
	for i := 0; i < 40; i++ {
		h.step(at(1, 0), Hint{})
	}

	assert.Equal(t, map[int]Reason{2: ReasonStart, 32: ReasonFinal}, h.sends)
	require.Len(t, h.out.sent, 2)
	assert.Equal(t, 1.0, h.out.sent[1].X)
	assert.Equal(t, Idle, h.c.State())

	for h.tick < 131 {
		h.step(at(1, 0), Hint{})
	}
	assert.Len(t, h.out.sent, 2)

	h.step(at(1, 0), Hint{})
	assert.Equal(t, ReasonHeartbeat, h.sends[132])
	assert.Len(t, h.out.sent, 3)
}

func TestClassifier_ThrottlesWhileMoving(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	for i := 1; i <= 12; i++ {
		h.step(at(float64(i), 0), Hint{})
	}

	ticks := make([]int, 0, len(h.sends))
	for tick := 1; tick <= h.tick; tick++ {
		if _, ok := h.sends[tick]; ok {
			ticks = append(ticks, tick)
		}
	}
	assert.Equal(t, []int{2, 5, 8, 11}, ticks)
	for i := 1; i < len(h.out.sent); i++ {
		assert.Greater(t, h.out.sent[i].Timestamp, h.out.sent[i-1].Timestamp)
	}
}

func TestClassifier_NeverResendsUnchangedWhileMoving(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(1, 0), Hint{})
	h.step(at(2, 0), Hint{})
	for i := 0; i < 10; i++ {
		h.step(at(2, 0), Hint{})
	}

	require.Len(t, h.out.sent, 2)
	assert.Equal(t, 1.0, h.out.sent[0].X)
	assert.Equal(t, 2.0, h.out.sent[1].X)
	assert.Equal(t, ReasonMove, h.sends[5])
}

func TestClassifier_AreaChangeBypassesThrottle(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(1, 0), Hint{})

	next := at(30, 30)
	next.Area = 7
	h.step(next, Hint{})

	require.Len(t, h.out.sent, 2)
	assert.True(t, h.out.sent[1].Teleport)
	assert.Equal(t, 7, h.out.sent[1].Area)
	assert.Equal(t, ReasonTeleport, h.sends[3])
}

func TestClassifier_ConfirmedHintSendsPrediction(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(0, 0), Hint{Dir: core.FacingRight, Scroll: core.Vec2{X: 2}})

	require.Len(t, h.out.sent, 1)
	assert.Equal(t, 1.0, h.out.sent[0].X)
	assert.Equal(t, core.FacingRight, h.out.sent[0].Facing)
	assert.True(t, h.c.Predicting())
	assert.Equal(t, Moving, h.c.State())
}

func TestClassifier_UnconfirmedHintIsIgnored(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(0, 0), Hint{Dir: core.FacingRight})
	h.step(at(0, 0), Hint{Dir: core.FacingRight, Scroll: core.Vec2{Y: 3}})

	assert.Empty(t, h.out.sent)
	assert.Equal(t, Idle, h.c.State())
}

func TestClassifier_MatchingPredictionIsSilent(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(0, 0), Hint{Dir: core.FacingRight, Scroll: core.Vec2{X: 1}})
	h.step(core.Position{Pos: core.Vec2{X: 1}, Facing: core.FacingRight}, Hint{})

	assert.Len(t, h.out.sent, 1)
	assert.False(t, h.c.Predicting())
}

func TestClassifier_MismatchedPredictionIsCorrected(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(0, 0), Hint{Dir: core.FacingRight, Scroll: core.Vec2{X: 1}})
	h.step(at(0, 1), Hint{})

	require.Len(t, h.out.sent, 2)
	assert.Equal(t, ReasonCorrect, h.sends[3])
	assert.Equal(t, 1.0, h.out.sent[1].Y)
	assert.False(t, h.c.Predicting())
}

func TestClassifier_ExpiredPredictionIsCorrected(t *testing.T) {
	h := newHarness(testConfig())
	h.step(at(0, 0), Hint{})
	h.step(at(0, 0), Hint{Dir: core.FacingRight, Scroll: core.Vec2{X: 1}})
	for i := 0; i < 3; i++ {
		h.step(at(0, 0), Hint{})
	}
	assert.Len(t, h.out.sent, 1)

	h.step(at(0, 0), Hint{})
	require.Len(t, h.out.sent, 2)
	assert.Equal(t, ReasonCorrect, h.sends[6])
	assert.Equal(t, 0.0, h.out.sent[1].X)
}

func TestClassifier_AnnounceSendsTeleport(t *testing.T) {
	h := newHarness(testConfig())
	require.NoError(t, h.c.Announce(time.Second, at(4, 2)))

	require.Len(t, h.out.sent, 1)
	assert.True(t, h.out.sent[0].Teleport)
	assert.Equal(t, "local", h.out.sent[0].ID)
	assert.Equal(t, int64(1000), h.out.sent[0].Timestamp)

	h.step(at(4, 2), Hint{})
	assert.Len(t, h.out.sent, 1)
}

func TestClassifier_SendFailuresAreCounted(t *testing.T) {
	h := newHarness(testConfig())
	h.out.err = errors.New("offline")

	assert.Error(t, h.c.Announce(0, at(0, 0)))
	h.step(at(1, 0), Hint{})

	assert.Equal(t, Stats{Failed: 2}, h.c.Stats())
	assert.Equal(t, Moving, h.c.State())
}
