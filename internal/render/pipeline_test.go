package render

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/dither"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/narrative"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

var epoch = time.Unix(1_700_000_000, 0)

type solid struct {
	name string
	c    pixel.RGB16
	caps Capabilities
}

func (s *solid) Name() string                         { return s.name }
func (s *solid) Capabilities() Capabilities           { return s.caps }
func (s *solid) Render(_ *Context, buf []pixel.RGB16) { pixel.Fill(buf, s.c) }

// spy records the contexts it was rendered with.
type spy struct {
	seen      []Context
	activated int
}

func (p *spy) Name() string { return "spy" }
func (p *spy) Activate()    { p.activated++ }
func (p *spy) Render(ctx *Context, buf []pixel.RGB16) {
	p.seen = append(p.seen, *ctx)
	pixel.Fill(buf, pixel.From8(10, 20, 30))
}

// slow advances a manual clock while rendering.
type slow struct {
	clock *timectrl.ManualClock
	d     time.Duration
}

func (s *slow) Name() string { return "slow" }
func (s *slow) Render(_ *Context, buf []pixel.RGB16) {
	s.clock.Advance(s.d)
	pixel.Fill(buf, pixel.From8(1, 1, 1))
}

// wave is a moving gradient that exercises every conditioning stage.
type wave struct{}

func (wave) Name() string { return "wave" }
func (wave) Render(ctx *Context, buf []pixel.RGB16) {
	shift := uint8(ctx.Frame)
	t := uint16(ctx.Tension * 255)
	for i := range buf {
		v := uint16(uint8(i)+shift) << 8
		buf[i] = pixel.RGB16{R: v, G: v / 2, B: t << 8}
	}
}

func testConfig(segments ...int) Config {
	cfg := DefaultConfig()
	cfg.Layout = output.Layout{Segments: segments}
	return cfg
}

func newPipeline(t *testing.T, cfg Config, effects map[uint8]Effect, drv output.Driver, opts ...Option) *Pipeline {
	t.Helper()
	reg := NewRegistry()
	for id, e := range effects {
		require.NoError(t, reg.Register(id, e))
	}
	p, err := New(cfg, reg, drv, opts...)
	require.NoError(t, err)
	require.NoError(t, p.Init(t.Context()))
	return p
}

func capturing() *output.Null {
	d := output.NewNull()
	d.Capture = true
	return d
}

func TestSteadyStateFramesDoNotAllocate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budget = time.Hour
	cfg.Exposure.Enabled = true
	cfg.Dither = dither.Policy{Spatial: true, Temporal: true, StaticDelta: 4}
	cfg.Zones = []Zone{{0, 100}, {100, 320}}
	cfg.Effect = 0

	n, err := narrative.New(narrative.DefaultConfig())
	require.NoError(t, err)
	n.Enable(time.Now())

	ex, err := snapshot.New[audio.Features](1)
	require.NoError(t, err)
	w, err := ex.Writer()
	require.NoError(t, err)
	w.Publish(audio.Features{Energy: 0.5, BPM: 120})
	r, err := ex.NewReader(
		snapshot.WithStaleAfter[audio.Features](time.Millisecond),
		snapshot.WithExtrapolation(audio.Extrapolator(0)),
	)
	require.NoError(t, err)

	p := newPipeline(t, cfg, map[uint8]Effect{0: wave{}, 1: &solid{name: "s", c: pixel.From8(9, 9, 9)}},
		output.NewNull(), WithTension(n), WithAudio(r))

	allocs := testing.AllocsPerRun(10000, func() { p.RenderCycle() })
	assert.Zero(t, allocs)

	require.NoError(t, p.SetZoneMode(true))
	require.NoError(t, p.SetZoneEffect(0, 0))
	require.NoError(t, p.SetZoneEffect(1, 1))
	allocs = testing.AllocsPerRun(1000, func() { p.RenderCycle() })
	assert.Zero(t, allocs)
}

func TestDropCountedOnlyOverBudget(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	eff := &slow{clock: clock}
	cfg := testConfig(16)
	cfg.Budget = 8 * time.Millisecond
	cfg.Effect = 0
	p := newPipeline(t, cfg, map[uint8]Effect{0: eff}, output.NewNull(), WithClock(clock))

	eff.d = 8 * time.Millisecond
	res := p.RenderCycle()
	assert.False(t, res.Dropped)
	assert.Equal(t, 8*time.Millisecond, res.Duration)

	eff.d = 9 * time.Millisecond
	res = p.RenderCycle()
	assert.True(t, res.Dropped)

	eff.d = time.Millisecond
	p.RenderCycle()

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(1), st.Drops)
	assert.Equal(t, time.Millisecond, st.MinFrame)
	assert.Equal(t, 9*time.Millisecond, st.MaxFrame)
	assert.InDelta(t, 1.0, st.EffectShare, 1e-9)
}

func TestIdleFallback(t *testing.T) {
	cfg := testConfig(4, 4)
	cfg.Idle = pixel.RGB8{R: 1, G: 2, B: 3}
	drv := capturing()
	p := newPipeline(t, cfg, nil, drv)

	res := p.RenderCycle()
	assert.True(t, res.Idle)
	require.NoError(t, res.Err)
	for i, px := range drv.Last {
		assert.Equal(t, cfg.Idle, px, "led %d", i)
	}
	assert.Equal(t, uint64(1), p.Stats().IdleFrames)
	assert.Equal(t, NoEffect, p.Stats().Effect)
}

func TestSkipConditioning(t *testing.T) {
	c := pixel.From8(200, 100, 50)
	drv := capturing()
	p := newPipeline(t, testConfig(8), map[uint8]Effect{
		0: &solid{name: "raw", c: c, caps: SkipConditioning},
		1: &solid{name: "graded", c: c},
	}, drv)

	require.NoError(t, p.SetEffect(0))
	p.RenderCycle()
	assert.Equal(t, pixel.RGB8{R: 200, G: 100, B: 50}, drv.Last[0])

	require.NoError(t, p.SetEffect(1))
	p.RenderCycle()
	got := drv.Last[0]
	assert.Less(t, got.R, uint8(200), "gamma darkens mid levels")
	assert.Less(t, got.B, got.G)
}

func TestBrightnessThenPowerLimit(t *testing.T) {
	white := pixel.From8(255, 255, 255)
	cfg := testConfig(10)
	cfg.Power = PowerConfig{MaxMilliamps: 100, MilliampsPerChannel: 20, IdleMilliampsPerLED: 1}
	drv := capturing()
	p := newPipeline(t, cfg, map[uint8]Effect{0: &solid{name: "w", c: white, caps: SkipConditioning}}, drv)
	require.NoError(t, p.SetEffect(0))

	p.RenderCycle()
	// 10 LEDs draw 610 mA at full white; 90 mA are left after idle draw.
	assert.Equal(t, uint8(38), drv.Last[0].R)
	assert.Equal(t, uint64(1), p.Stats().PowerLimited)

	cfg.Power.MaxMilliamps = 0
	drv = capturing()
	p = newPipeline(t, cfg, map[uint8]Effect{0: &solid{name: "w", c: white, caps: SkipConditioning}}, drv)
	require.NoError(t, p.SetEffect(0))
	ps := p.Params()
	ps.Brightness = 128
	p.SetParams(ps)
	p.RenderCycle()
	assert.Equal(t, uint8(128), drv.Last[0].G)
	assert.Zero(t, p.Stats().PowerLimited)
}

func TestSegmentsAreViewsOfOutput(t *testing.T) {
	drv := capturing()
	p := newPipeline(t, testConfig(3, 5), nil, drv)
	require.Len(t, p.tx.segments, 2)
	assert.Len(t, p.tx.segments[0], 3)
	assert.Len(t, p.tx.segments[1], 5)
	p.tx.segments[1][0] = pixel.RGB8{R: 42}
	assert.Equal(t, pixel.RGB8{R: 42}, p.Output()[3])
}

func TestEffectSelection(t *testing.T) {
	pr := &spy{}
	p := newPipeline(t, testConfig(8), map[uint8]Effect{3: pr}, output.NewNull())

	err := p.SetEffect(4)
	assert.ErrorIs(t, err, ErrUnknownEffect)
	assert.ErrorIs(t, p.SetEffect(200), ErrUnknownEffect)

	require.NoError(t, p.SetEffect(3))
	require.NoError(t, p.SetEffect(3))
	assert.Equal(t, 1, pr.activated)
	assert.Equal(t, 3, p.Active())

	assert.ErrorIs(t, p.Registry().Register(5, &solid{name: "late"}), ErrRegistrySealed)

	p.ClearEffect()
	assert.True(t, p.RenderCycle().Idle)
}

func TestContextTimingAndCenter(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	pr := &spy{}
	cfg := testConfig(20)
	cfg.Effect = 0
	p := newPipeline(t, cfg, map[uint8]Effect{0: pr}, output.NewNull(), WithClock(clock))

	p.RenderCycle()
	clock.Advance(8 * time.Millisecond)
	p.RenderCycle()
	clock.Advance(9 * time.Millisecond)
	p.RenderCycle()

	require.Len(t, pr.seen, 3)
	assert.Equal(t, time.Duration(0), pr.seen[0].Delta)
	assert.Equal(t, 9*time.Millisecond, pr.seen[2].Delta)
	assert.Equal(t, 17*time.Millisecond, pr.seen[2].Elapsed)
	assert.Equal(t, uint64(2), pr.seen[2].Frame)
	assert.Equal(t, 10, pr.seen[0].Center)
	assert.Equal(t, -1, pr.seen[0].Zone)
	assert.False(t, pr.seen[0].HasTension)
	assert.False(t, pr.seen[0].HasAudio)
	assert.Equal(t, DefaultParams(), pr.seen[0].Params)
}

type zoneTension struct{}

func (zoneTension) Tension(time.Time) (float64, bool) { return 0.5, true }
func (zoneTension) TensionAt(zone int, _ time.Time) (float64, bool) {
	return float64(zone) / 10, true
}

func TestZoneComposition(t *testing.T) {
	cfg := testConfig(20)
	cfg.Zones = []Zone{{0, 10}, {10, 20}}
	drv := capturing()
	pr := &spy{}
	a := pixel.From8(50, 0, 0)
	p := newPipeline(t, cfg, map[uint8]Effect{
		0: &solid{name: "a", c: a, caps: SkipConditioning},
		1: pr,
	}, drv, WithTension(zoneTension{}))

	assert.ErrorIs(t, p.SetZoneEffect(2, 0), ErrZoneRange)
	assert.ErrorIs(t, p.SetZoneEffect(0, 9), ErrUnknownEffect)
	require.NoError(t, p.SetZoneEffect(0, 0))
	require.NoError(t, p.SetZoneEffect(1, 1))
	require.NoError(t, p.SetZoneMode(true))

	res := p.RenderCycle()
	assert.False(t, res.Idle)
	require.Len(t, pr.seen, 1)
	assert.Equal(t, 1, pr.seen[0].Zone)
	assert.Equal(t, 5, pr.seen[0].Center)
	assert.InDelta(t, 0.1, pr.seen[0].Tension, 1e-12)

	// The skip zone passes through raw; only its neighbour is conditioned.
	for i := 0; i < 10; i++ {
		assert.Equal(t, pixel.RGB8{R: 50}, drv.Last[i], "led %d", i)
	}
	assert.NotEqual(t, pixel.RGB8{R: 10, G: 20, B: 30}, drv.Last[15])
	assert.True(t, p.Stats().ZoneMode)

	require.NoError(t, p.SetZoneMode(false))
	assert.True(t, p.RenderCycle().Idle)
}

// hold paints its buffer once and then leaves it alone.
type hold struct{ c pixel.RGB16 }

func (h hold) Name() string { return "hold" }
func (h hold) Render(ctx *Context, buf []pixel.RGB16) {
	if ctx.Frame == 0 {
		pixel.Fill(buf, h.c)
	}
}

func TestZoneWithoutEffectShowsIdle(t *testing.T) {
	cfg := testConfig(24)
	cfg.Zones = []Zone{{0, 10}, {10, 20}}
	cfg.Idle = pixel.RGB8{R: 120, G: 120, B: 120}
	cfg.Dither = dither.Policy{}
	drv := capturing()
	p := newPipeline(t, cfg, map[uint8]Effect{0: wave{}}, drv)

	require.NoError(t, p.SetZoneMode(true))
	require.NoError(t, p.SetZoneEffect(0, 0))
	require.NoError(t, p.SetZoneEffect(1, 0))
	p.RenderCycle()
	p.RenderCycle()

	assert.ErrorIs(t, p.ClearZoneEffect(2), ErrZoneRange)
	require.NoError(t, p.ClearZoneEffect(1))
	for f := 0; f < 5; f++ {
		res := p.RenderCycle()
		assert.False(t, res.Idle)
		for i := 10; i < 24; i++ {
			require.Equal(t, cfg.Idle, drv.Last[i], "frame %d led %d", f, i)
		}
	}

	require.NoError(t, p.ClearZoneEffect(0))
	assert.True(t, p.RenderCycle().Idle)
	assert.Equal(t, cfg.Idle, drv.Last[0])
}

func TestConditioningLeavesEffectBufferAlone(t *testing.T) {
	cfg := testConfig(12)
	cfg.Zones = []Zone{{0, 6}, {6, 12}}
	cfg.Dither = dither.Policy{}
	drv := capturing()
	p := newPipeline(t, cfg, map[uint8]Effect{
		0: hold{c: pixel.From8(128, 64, 200)},
		1: &solid{name: "raw", c: pixel.From8(7, 8, 9), caps: SkipConditioning},
	}, drv)

	require.NoError(t, p.SetEffect(0))
	p.RenderCycle()
	first := append([]pixel.RGB8(nil), drv.Last...)
	for f := 0; f < 4; f++ {
		p.RenderCycle()
		require.Equal(t, first, drv.Last, "frame %d", f+1)
	}

	require.NoError(t, p.SetZoneMode(true))
	require.NoError(t, p.SetZoneEffect(0, 0))
	require.NoError(t, p.SetZoneEffect(1, 1))
	for f := 0; f < 3; f++ {
		p.RenderCycle()
		assert.Equal(t, first[:6], drv.Last[:6], "frame %d", f)
		assert.Equal(t, pixel.RGB8{R: 7, G: 8, B: 9}, drv.Last[11])
	}
}

func TestZoneModeNeedsZones(t *testing.T) {
	p := newPipeline(t, testConfig(8), nil, output.NewNull())
	assert.ErrorIs(t, p.SetZoneMode(true), ErrZoneRange)
}

func TestAudioReachesContext(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	ex, err := snapshot.New[audio.Features](1, snapshot.WithClock(clock))
	require.NoError(t, err)
	w, err := ex.Writer()
	require.NoError(t, err)
	r, err := ex.NewReader(
		snapshot.WithStaleAfter[audio.Features](50*time.Millisecond),
		snapshot.WithExtrapolation(audio.Extrapolator(0)),
	)
	require.NoError(t, err)

	pr := &spy{}
	cfg := testConfig(4)
	cfg.Effect = 0
	p := newPipeline(t, cfg, map[uint8]Effect{0: pr}, output.NewNull(), WithClock(clock), WithAudio(r))

	p.RenderCycle()
	w.Publish(audio.Features{Energy: 0.8, BPM: 120, BeatPhase: 0.5})
	p.RenderCycle()
	clock.Advance(250 * time.Millisecond)
	p.RenderCycle()

	require.Len(t, pr.seen, 3)
	assert.False(t, pr.seen[0].HasAudio)
	assert.Equal(t, snapshot.Fresh, pr.seen[1].AudioFreshness)
	assert.InDelta(t, 0.8, pr.seen[1].Audio.Energy, 1e-6)
	assert.Equal(t, snapshot.Stale, pr.seen[2].AudioFreshness)
	assert.True(t, pr.seen[2].HasAudio)
	assert.InDelta(t, 0.0, pr.seen[2].Audio.BeatPhase, 1e-6)
	assert.Less(t, pr.seen[2].Audio.Energy, float32(0.8))
}

type brokenDriver struct{ output.Null }

func (d *brokenDriver) Show([][]pixel.RGB8) error { return errors.New("wire fault") }

func TestTransmitErrorsCounted(t *testing.T) {
	p := newPipeline(t, testConfig(4), nil, &brokenDriver{})
	res := p.RenderCycle()
	require.Error(t, res.Err)
	p.RenderCycle()
	assert.Equal(t, uint64(2), p.Stats().TransmitErrors)
}

func TestFPSWindow(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	p := newPipeline(t, testConfig(4), nil, output.NewNull(), WithClock(clock))
	for i := 0; i < fpsWindow; i++ {
		p.RenderCycle()
		clock.Advance(10 * time.Millisecond)
	}
	// The window closes at the end of frame 120, 1.19 s after it opened.
	assert.InDelta(t, 120/1.19, p.Stats().FPS, 0.01)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Zones = []Zone{{0, 100}, {50, 120}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Zones = make([]Zone, MaxZones+1)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.FPS = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Layout.Segments = nil
	assert.ErrorIs(t, cfg.Validate(), output.ErrInvalidLayout)

	assert.Equal(t, time.Second/120, DefaultConfig().FrameBudget())

	cfg = testConfig(8)
	cfg.Effect = 7
	_, err := New(cfg, NewRegistry(), output.NewNull())
	assert.ErrorIs(t, err, ErrUnknownEffect)
}
