package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
)

// EventCounts tallies bus notifications seen by diagnostics.
type EventCounts struct {
	EffectChanges uint64
	FrameEvents   uint64
	PhaseChanges  uint64
	Degraded      uint64
	Rejected      uint64
}

// Diagnostics is the periodic unit that reports engine health. Bus
// handlers only bump counters; the tick turns them into metrics and logs.
type Diagnostics struct {
	actor.BaseUnit

	bus     *bus.Bus
	stats   func() Stats
	report  func(Stats)
	metrics *observability.RenderCollector
	logger  logging.Logger

	subs   []bus.Subscription
	counts [numTopicsTracked]atomic.Uint64
	pushed [numTopicsTracked]uint64
	ticks  uint64
}

var trackedTopics = [...]bus.Topic{
	bus.EffectChanged,
	bus.FrameRendered,
	bus.PhaseChanged,
	bus.UnitDegraded,
	bus.CommandRejected,
}

const numTopicsTracked = len(trackedTopics)

// NewDiagnostics builds the unit. report, when set, receives every tick's
// snapshot on the diagnostics goroutine.
func NewDiagnostics(b *bus.Bus, stats func() Stats, report func(Stats), metrics *observability.RenderCollector, logger logging.Logger) *Diagnostics {
	if logger == nil {
		logger = logging.Noop()
	}
	return &Diagnostics{bus: b, stats: stats, report: report, metrics: metrics, logger: logger}
}

// OnStart subscribes to the tracked topics.
func (d *Diagnostics) OnStart(context.Context) error {
	for i, topic := range trackedTopics {
		counter := &d.counts[i]
		sub, err := d.bus.Subscribe(topic, func(bus.Event) { counter.Add(1) })
		if err != nil {
			d.unsubscribe()
			return fmt.Errorf("diagnostics: subscribe %s: %w", topic, err)
		}
		d.subs = append(d.subs, sub)
	}
	return nil
}

// OnTick pushes counters into Prometheus and logs a summary.
func (d *Diagnostics) OnTick() {
	d.ticks++
	for i, topic := range trackedTopics {
		cur := d.counts[i].Load()
		d.metrics.AddEvents(topic.String(), cur-d.pushed[i])
		d.pushed[i] = cur
	}
	if d.stats == nil {
		return
	}
	st := d.stats()
	d.metrics.SetPhase(int(st.Renderer.Phase))

	d.logger.Debug(context.Background(), "engine stats",
		logging.Uint64("frames", st.Render.Frames),
		logging.Float64("fps", st.Render.FPS),
		logging.Uint64("drops", st.Render.Drops),
		logging.Duration("avg_frame", st.Render.AvgFrame),
		logging.Duration("max_frame", st.Render.MaxFrame),
		logging.Effect(st.Render.Effect),
		logging.String("phase", st.Renderer.Phase.String()),
		logging.Uint64("rejected", st.Renderer.Rejected),
		logging.String("output", st.Breaker),
	)
	if d.report != nil {
		d.report(st)
	}
}

// OnStop drops the subscriptions.
func (d *Diagnostics) OnStop() {
	d.unsubscribe()
}

func (d *Diagnostics) unsubscribe() {
	for _, sub := range d.subs {
		_ = d.bus.Unsubscribe(sub)
	}
	d.subs = nil
}

// Counts returns the event tallies. Safe from any goroutine.
func (d *Diagnostics) Counts() EventCounts {
	return EventCounts{
		EffectChanges: d.counts[0].Load(),
		FrameEvents:   d.counts[1].Load(),
		PhaseChanges:  d.counts[2].Load(),
		Degraded:      d.counts[3].Load(),
		Rejected:      d.counts[4].Load(),
	}
}
