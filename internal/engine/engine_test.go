package engine

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/capture"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/config"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/effects"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/show"
)

// testConfig runs every unit unpinned against the null driver.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Output.Driver = config.DriverNull
	cfg.Render.Layout.Segments = []int{32, 32}
	cfg.Units.Renderer.Core = actor.AnyCore
	cfg.Units.Audio.Core = actor.AnyCore
	cfg.Units.Diagnostics.Tick = 10 * time.Millisecond
	cfg.ApplyDefaults()
	return cfg
}

func startEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func TestEngineRendersAndAcceptsCommands(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Send(actor.SetEffect(effects.IDPulse)), ErrNotStarted)

	phases := watch(t, e.Bus(), bus.PhaseChanged)
	changes := watch(t, e.Bus(), bus.EffectChanged)
	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool { return e.Stats().Render.Frames > 20 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Send(actor.SetEffect(effects.IDPulse)))
	require.Eventually(t, func() bool { return len(changes.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int(effects.IDPulse), e.Stats().Render.Effect)

	require.NoError(t, e.Send(actor.NarrativeControl(actor.NarrativeAdvance)))
	require.Eventually(t, func() bool { return len(phases.all()) > 0 }, time.Second, 5*time.Millisecond)

	frameEvents := e.Metrics().Events.WithLabelValues(bus.FrameRendered.String())
	require.Eventually(t, func() bool { return testutil.ToFloat64(frameEvents) > 0 }, time.Second, 5*time.Millisecond)
	assert.Positive(t, e.Stats().Events.FrameEvents)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	st := e.Stats()
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, e.Session(), st.Session)
	assert.Equal(t, "closed", st.Breaker)
	assert.Empty(t, st.Degraded)
	names := make([]string, 0, len(st.Units))
	for _, u := range st.Units {
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{UnitAudio, UnitRenderer, UnitDiagnostics}, names)

	n, err := testutil.GatherAndCount(reg, "lightwave_frames_total", "lightwave_unit_state")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestEngineSendRejectsAtBoundary(t *testing.T) {
	e := startEngine(t, testConfig())
	rejected := watch(t, e.Bus(), bus.CommandRejected)

	assert.ErrorIs(t, e.Send(actor.SetEffect(50)), render.ErrUnknownEffect)
	assert.ErrorIs(t, e.Send(actor.SetZoneEffect(0, effects.IDSolid)), render.ErrZoneRange)
	assert.ErrorIs(t, e.Send(actor.SetParam(actor.Param(99), 1)), actor.ErrMalformedCommand)
	assert.ErrorIs(t, e.Send(actor.Shutdown()), ErrCommandRefused)

	evs := rejected.all()
	require.Len(t, evs, 4)
	assert.Equal(t, RejectUnknownEffect, evs[0].P2)
	assert.Equal(t, uint8(50), evs[0].P3)
	assert.Equal(t, RejectZoneRange, evs[1].P2)
	assert.Equal(t, uint64(4), e.Stats().Rejected)
	assert.Zero(t, e.Stats().Renderer.Rejected)
}

func TestEnginePlaysScript(t *testing.T) {
	script, err := show.ParseScript([]byte(`
name: smoke
cues:
  - at: 0s
    effect: chase
  - at: 20ms
    param: brightness
    value: 90
`))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Audio.Enabled = false
	cfg.Units.Show.Tick = 5 * time.Millisecond
	e := startEngine(t, cfg, WithScript(script))

	require.Eventually(t, func() bool { return e.Stats().Show.Sent == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Stats().Render.Effect == int(effects.IDChase) }, time.Second, 5*time.Millisecond)
	assert.Zero(t, e.Stats().Show.Failed)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func TestEngineCapturesFrames(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.Enabled = false
	cfg.Capture.Enabled = true
	cfg.Units.Recorder.Tick = 5 * time.Millisecond
	out := &syncBuffer{}

	e, err := New(cfg, WithCaptureWriter(out))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return e.Stats().CaptureFrames >= 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	out.mu.Lock()
	entries, err := capture.ReadAll(bytes.NewReader(out.buf.Bytes()))
	out.mu.Unlock()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Len(t, entries[0].Pixels, 64)
}

func TestEngineReportsDiagnostics(t *testing.T) {
	reports := make(chan Stats, 16)
	cfg := testConfig()
	cfg.Audio.Enabled = false
	startEngine(t, cfg, WithReport(func(st Stats) {
		select {
		case reports <- st:
		default:
		}
	}))

	select {
	case st := <-reports:
		assert.Equal(t, time.Second/120, st.Render.Budget)
		assert.Len(t, st.Units, 2)
		assert.Equal(t, "closed", st.Breaker)
	case <-time.After(2 * time.Second):
		t.Fatal("no diagnostics report")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Output.Driver = "spi"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig()
	cfg.Render.Effect = 30
	_, err = New(cfg)
	assert.ErrorIs(t, err, render.ErrUnknownEffect)
}

func TestEngineMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Audio.Enabled = false
	e := startEngine(t, cfg, WithRegisterer(reg))
	require.Eventually(t, func() bool { return e.Stats().Render.Frames > 0 }, time.Second, 5*time.Millisecond)

	var _ observability.RenderSource = e
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var found []string
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "lightwave_unit_") {
			found = append(found, mf.GetName())
		}
	}
	assert.Contains(t, found, "lightwave_unit_state")
	assert.Contains(t, found, "lightwave_unit_queue_depth")
}

func TestExampleConfigBuilds(t *testing.T) {
	cfg, err := config.Load("../../configs/lightwave.yaml")
	require.NoError(t, err)
	cfg.Show.Script = "../../configs/show.yaml"

	e, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, e.Registry().Len())
	assert.Len(t, e.Stats().Units, 4)
	assert.Equal(t, "closed", e.Stats().Breaker)
}

type fillEffect struct{}

func (fillEffect) Name() string { return "fill" }

func (fillEffect) Render(_ *render.Context, buf []pixel.RGB16) {
	pixel.Fill(buf, pixel.RGB16{R: 0xFF00})
}

func TestEngineOptions(t *testing.T) {
	drv := output.NewNull()
	cfg := testConfig()
	cfg.Render.Effect = 10

	e := startEngine(t, cfg,
		WithDriver(drv),
		WithEffects(func(reg *render.Registry) error { return reg.Register(10, fillEffect{}) }),
		WithAudioSource(audio.NewToneSource(cfg.Audio.SampleRate, 90)),
		WithQuantum(time.Millisecond),
	)

	require.Eventually(t, func() bool { return drv.Stats().Frames > 10 }, 2*time.Second, 5*time.Millisecond)
	id, ok := e.Registry().Find("fill")
	require.True(t, ok)
	assert.Equal(t, uint8(10), id)
	assert.Equal(t, 10, e.Stats().Render.Effect)
	assert.Equal(t, uint64(64), drv.Stats().Pixels/drv.Stats().Frames)
}
