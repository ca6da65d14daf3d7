package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
)

const namespace = "lightwave"

// RenderSource is what the render collector reads on scrape.
type RenderSource interface {
	RenderStats() render.Stats
	BusStats() bus.Stats
}

// RenderCollector bundles Prometheus metrics for the render loop and
// provides the /metrics handler.
//
// Counters and gauges are read from the source on scrape, so the render
// path never touches them. The frame histogram is fed by the renderer.
type RenderCollector struct {
	gatherer prometheus.Gatherer

	FrameDurations prometheus.Histogram
	DroppedFrames  prometheus.Counter
	Events         *prometheus.CounterVec
	NarrativePhase prometheus.Gauge
}

// NewRenderCollector registers render metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewRenderCollector(reg prometheus.Registerer, src RenderSource) (*RenderCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	durations, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_duration_seconds",
		Help:      "Render cycle duration in seconds, from frame start to transmit completion.",
		Buckets:   []float64{0.0005, 0.001, 0.002, 0.004, 0.006, 0.008, 0.010, 0.0125, 0.016, 0.025, 0.05},
	}), "frame_duration_seconds")
	if err != nil {
		return nil, err
	}
	dropped, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_over_budget_observed_total",
		Help:      "Frames observed by the renderer that exceeded the frame budget.",
	}), "frames_over_budget_observed_total")
	if err != nil {
		return nil, err
	}

	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_events_total",
		Help:      "Bus notifications seen by diagnostics, labeled by topic.",
	}, []string{"topic"}), "bus_events_total")
	if err != nil {
		return nil, err
	}
	phase, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "narrative_phase",
		Help:      "Current narrative phase: 0 build, 1 hold, 2 release, 3 rest.",
	}), "narrative_phase")
	if err != nil {
		return nil, err
	}

	if src != nil {
		funcs := []prometheus.Collector{
			counterFunc("frames_total", "Rendered frames.", func() float64 {
				return float64(src.RenderStats().Frames)
			}),
			counterFunc("frame_drops_total", "Frames whose duration exceeded the budget.", func() float64 {
				return float64(src.RenderStats().Drops)
			}),
			counterFunc("idle_frames_total", "Frames rendered with no active effect.", func() float64 {
				return float64(src.RenderStats().IdleFrames)
			}),
			counterFunc("transmit_errors_total", "Output driver failures.", func() float64 {
				return float64(src.RenderStats().TransmitErrors)
			}),
			counterFunc("power_limited_frames_total", "Frames scaled down by the power limiter.", func() float64 {
				return float64(src.RenderStats().PowerLimited)
			}),
			counterFunc("bus_events_published_total", "Events published on the bus.", func() float64 {
				return float64(src.BusStats().Published)
			}),
			counterFunc("bus_deliveries_total", "Handler invocations on the bus.", func() float64 {
				return float64(src.BusStats().Deliveries)
			}),
			gaugeFunc("fps", "Frames per second over the last measurement window.", func() float64 {
				return src.RenderStats().FPS
			}),
			gaugeFunc("frame_budget_seconds", "Configured frame budget.", func() float64 {
				return src.RenderStats().Budget.Seconds()
			}),
			gaugeFunc("frame_avg_seconds", "Smoothed frame duration.", func() float64 {
				return src.RenderStats().AvgFrame.Seconds()
			}),
			gaugeFunc("frame_max_seconds", "Longest frame since start.", func() float64 {
				return src.RenderStats().MaxFrame.Seconds()
			}),
			gaugeFunc("effect_time_ratio", "Share of frame time spent inside effects.", func() float64 {
				return src.RenderStats().EffectShare
			}),
			gaugeFunc("active_effect", "Active effect id, -1 when idle.", func() float64 {
				return float64(src.RenderStats().Effect)
			}),
		}
		for _, c := range funcs {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register render metric: %w", err)
			}
		}
	}

	return &RenderCollector{
		gatherer:       gatherer,
		FrameDurations: durations,
		DroppedFrames:  dropped,
		Events:         events,
		NarrativePhase: phase,
	}, nil
}

// ObserveFrame records one render cycle. Safe to call from the render
// loop; it does not allocate.
func (c *RenderCollector) ObserveFrame(d time.Duration, dropped bool) {
	if c == nil {
		return
	}
	c.FrameDurations.Observe(d.Seconds())
	if dropped {
		c.DroppedFrames.Inc()
	}
}

// AddEvents adds n notifications of topic.
func (c *RenderCollector) AddEvents(topic string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.Events.WithLabelValues(topic).Add(float64(n))
}

// SetPhase records the narrative phase.
func (c *RenderCollector) SetPhase(phase int) {
	if c == nil {
		return
	}
	c.NarrativePhase.Set(float64(phase))
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RenderCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *RenderCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func counterFunc(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// register adds c to reg, returning the already registered collector of
// the same type when one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
