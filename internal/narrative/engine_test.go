package narrative

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func at(d time.Duration) time.Time { return t0.Add(d) }

func newEnabled(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	e.Enable(t0)
	return e
}

func TestPhaseOrderIsCyclic(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	var seen []Transition
	for d := time.Duration(0); d <= 10*time.Second; d += 50 * time.Millisecond {
		if tr, ok := e.Update(at(d)); ok {
			seen = append(seen, tr)
		}
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, Build, seen[0].From)
	assert.Equal(t, at(1500*time.Millisecond), seen[0].At)
	for i, tr := range seen {
		assert.Equal(t, tr.From.Next(), tr.To, "transition %d", i)
		if i > 0 {
			assert.Equal(t, seen[i-1].To, tr.From, "transition %d", i)
		}
	}
	// 10 s covers two full cycles plus BUILD and HOLD of the third.
	assert.Len(t, seen, 10)
	assert.Equal(t, uint64(2), e.State(at(10*time.Second)).Cycles)
}

func TestStallAdvancesOnePhasePerUpdate(t *testing.T) {
	e := newEnabled(t, DefaultConfig())
	late := at(10 * time.Second)

	want := []struct {
		from, to Phase
		at       time.Duration
	}{
		{Build, Hold, 1500 * time.Millisecond},
		{Hold, Release, 2000 * time.Millisecond},
		{Release, Rest, 3500 * time.Millisecond},
		{Rest, Build, 4000 * time.Millisecond},
		{Build, Hold, 5500 * time.Millisecond},
	}
	for i, w := range want {
		tr, ok := e.Update(late)
		require.True(t, ok, "update %d", i)
		assert.Equal(t, w.from, tr.From, "update %d", i)
		assert.Equal(t, w.to, tr.To, "update %d", i)
		assert.Equal(t, at(w.at), tr.At, "update %d", i)
	}
}

func TestTensionByPhase(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	v, ok := e.Tension(at(750 * time.Millisecond))
	require.True(t, ok)
	assert.InDelta(t, 0.25, v, 1e-9)

	e.Update(at(1750 * time.Millisecond))
	require.Equal(t, Hold, e.Phase())
	v, _ = e.Tension(at(1750 * time.Millisecond))
	assert.InDelta(t, 0.9, v, 1e-9)

	e.Update(at(2750 * time.Millisecond))
	require.Equal(t, Release, e.Phase())
	v, _ = e.Tension(at(2750 * time.Millisecond))
	assert.InDelta(t, 0.25, v, 1e-9)

	e.Update(at(3750 * time.Millisecond))
	require.Equal(t, Rest, e.Phase())
	v, _ = e.Tension(at(3750 * time.Millisecond))
	assert.Zero(t, v)
}

func TestTensionIsContinuousAcrossBoundaries(t *testing.T) {
	e := newEnabled(t, DefaultConfig())
	boundaries := []time.Duration{1500, 2000, 3500, 4000}
	for _, ms := range boundaries {
		b := at(ms * time.Millisecond)
		before, _ := e.Tension(b)
		_, ok := e.Update(b)
		require.True(t, ok, "boundary %dms", ms)
		after, _ := e.Tension(b)
		assert.InDelta(t, before, after, 1e-9, "boundary %dms", ms)
	}
}

func TestOverride(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	e.SetOverride(1.7)
	v, ok := e.Tension(at(time.Second))
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	v, _ = e.TensionAt(3, at(time.Second))
	assert.Equal(t, 1.0, v)
	assert.InDelta(t, 1.5, e.TempoMultiplier(at(time.Second)), 1e-12)
	assert.InDelta(t, 1.0, e.ComplexityScaling(at(time.Second)), 1e-12)

	e.SetOverride(0)
	assert.InDelta(t, 1.0, e.TempoMultiplier(at(time.Second)), 1e-12)
	assert.InDelta(t, 0.5, e.ComplexityScaling(at(time.Second)), 1e-12)

	e.SetOverride(-1)
	v, _ = e.Tension(at(750 * time.Millisecond))
	assert.InDelta(t, 0.25, v, 1e-9)
	assert.False(t, e.State(t0).Overridden)
}

func TestDisabledEngine(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)

	v, ok := e.Tension(t0)
	assert.False(t, ok)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, Hold, e.Phase())
	_, moved := e.Update(at(time.Hour))
	assert.False(t, moved)
	_, moved = e.Advance(t0)
	assert.False(t, moved)

	e.SetOverride(0.4)
	v, ok = e.Tension(t0)
	assert.True(t, ok)
	assert.InDelta(t, 0.4, v, 1e-12)
}

func TestEnableRestartsAtBuild(t *testing.T) {
	e := newEnabled(t, DefaultConfig())
	e.Update(at(2 * time.Second))
	require.Equal(t, Hold, e.Phase())

	e.Disable()
	e.Enable(at(5 * time.Second))
	assert.Equal(t, Build, e.Phase())
	assert.Zero(t, e.PhaseT(at(5*time.Second)))
}

func TestZoneOffsets(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	require.NoError(t, e.SetZoneOffset(1, 0.5))
	v, ok := e.TensionAt(1, t0)
	require.True(t, ok)
	// Half a cycle in is the start of RELEASE.
	assert.InDelta(t, 1.0, v, 1e-9)

	require.NoError(t, e.SetZoneOffset(2, 0.25))
	v, _ = e.TensionAt(2, t0)
	assert.InDelta(t, 4.0/9.0, v, 1e-9)

	require.NoError(t, e.SetZoneOffset(3, -0.25))
	assert.InDelta(t, 0.75, e.ZoneOffset(3), 1e-12)

	// Zones without an offset follow the global cycle.
	g, _ := e.Tension(at(750 * time.Millisecond))
	z, _ := e.TensionAt(0, at(750*time.Millisecond))
	assert.Equal(t, g, z)

	assert.ErrorIs(t, e.SetZoneOffset(MaxZones, 0.1), ErrZoneRange)
	assert.ErrorIs(t, e.SetZoneOffset(-1, 0.1), ErrZoneRange)
}

func TestPauseResume(t *testing.T) {
	e := newEnabled(t, DefaultConfig())
	e.Update(at(time.Second))
	e.Pause(at(time.Second))

	_, moved := e.Update(at(3 * time.Second))
	assert.False(t, moved)
	assert.InDelta(t, 1.0/1.5, e.PhaseT(at(3*time.Second)), 1e-9)

	e.Resume(at(3 * time.Second))
	_, moved = e.Update(at(3400 * time.Millisecond))
	assert.False(t, moved)
	tr, moved := e.Update(at(3500 * time.Millisecond))
	require.True(t, moved)
	assert.Equal(t, at(3500*time.Millisecond), tr.At)
}

func TestAdvanceAndJustEntered(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	tr, ok := e.Advance(at(100 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, Build, tr.From)
	assert.Equal(t, Hold, tr.To)
	assert.Equal(t, at(100*time.Millisecond), tr.At)
	assert.True(t, e.JustEntered(Hold))
	assert.False(t, e.JustEntered(Build))

	_, moved := e.Update(at(200 * time.Millisecond))
	assert.False(t, moved)
	assert.False(t, e.JustEntered(Hold))

	tr, moved = e.Update(at(600 * time.Millisecond))
	require.True(t, moved)
	assert.Equal(t, Release, tr.To)
	assert.True(t, e.JustEntered(Release))
	assert.Equal(t, tr, e.LastTransition())
}

func TestTempoScaling(t *testing.T) {
	e := newEnabled(t, DefaultConfig())

	e.SetTempo(2)
	cfg := e.Config()
	assert.Equal(t, 750*time.Millisecond, cfg.Build)
	assert.Equal(t, 250*time.Millisecond, cfg.Hold)
	assert.Equal(t, 2*time.Second, cfg.Total())

	e.SetCycleDuration(8 * time.Second)
	assert.Equal(t, 3*time.Second, e.Config().Build)

	e.SetTempo(0)
	assert.Equal(t, 8*time.Second, e.Config().Total())
}

func TestDurationFloors(t *testing.T) {
	e, err := New(Config{Build: 0, Hold: -time.Second, Release: time.Millisecond, Rest: 0})
	require.NoError(t, err)
	cfg := e.Config()
	assert.Equal(t, minBuild, cfg.Build)
	assert.Equal(t, time.Duration(0), cfg.Hold)
	assert.Equal(t, minRelease, cfg.Release)

	e.Enable(t0)
	// A zero-length HOLD is still visited.
	tr, ok := e.Update(at(time.Second))
	require.True(t, ok)
	assert.Equal(t, Hold, tr.To)
	tr, ok = e.Update(at(time.Second))
	require.True(t, ok)
	assert.Equal(t, Release, tr.To)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldBreathe = 1.5
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidBreathe)

	cfg = DefaultConfig()
	cfg.BuildCurve = numCurves
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrUnknownCurve)
}

func TestCurveEndpoints(t *testing.T) {
	for c := Linear; c < numCurves; c++ {
		assert.InDelta(t, 0, Ease(c, 0), 1e-9, c.String())
		assert.InDelta(t, 1, Ease(c, 1), 1e-9, c.String())
		assert.InDelta(t, 1, Ease(c, 2), 1e-9, c.String())
	}
}

func TestCurveText(t *testing.T) {
	var c Curve
	require.NoError(t, c.UnmarshalText([]byte("in_out_sine")))
	assert.Equal(t, InOutSine, c)

	b, err := OutCubic.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "out_cubic", string(b))

	assert.ErrorIs(t, c.UnmarshalText([]byte("bounce")), ErrUnknownCurve)
}
