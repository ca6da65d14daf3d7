package engine

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/narrative"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
)

func TestDiagnosticsCountsAndPushes(t *testing.T) {
	b := bus.New()
	metrics, err := observability.NewRenderCollector(prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	var reported []Stats
	stats := func() Stats { return Stats{Renderer: RendererStats{Phase: narrative.Release}} }
	d := NewDiagnostics(b, stats, func(st Stats) { reported = append(reported, st) }, metrics, nil)
	require.NoError(t, d.OnStart(context.Background()))

	for range 3 {
		b.Publish(bus.Event{Topic: bus.FrameRendered})
	}
	b.Publish(bus.Event{Topic: bus.EffectChanged})
	b.Publish(bus.Event{Topic: bus.CommandRejected})
	d.OnTick()

	assert.Equal(t, EventCounts{EffectChanges: 1, FrameEvents: 3, Rejected: 1}, d.Counts())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Events.WithLabelValues("frame_rendered")))
	assert.Equal(t, float64(narrative.Release), testutil.ToFloat64(metrics.NarrativePhase))
	require.Len(t, reported, 1)

	// Only the delta is pushed on the next tick.
	b.Publish(bus.Event{Topic: bus.FrameRendered})
	d.OnTick()
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.Events.WithLabelValues("frame_rendered")))

	d.OnStop()
	b.Publish(bus.Event{Topic: bus.FrameRendered})
	assert.Equal(t, uint64(4), d.Counts().FrameEvents)
	assert.Zero(t, b.Subscribers(bus.FrameRendered))
}
