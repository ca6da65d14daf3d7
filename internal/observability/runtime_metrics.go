package observability

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
)

// RuntimeCollector exposes per-unit runtime metrics. Lifecycle durations
// are recorded as they happen; queue and dispatch counters are read from
// the runtime on scrape.
type RuntimeCollector struct {
	gatherer prometheus.Gatherer
	units    atomic.Pointer[func() []actor.Health]

	UnitStartDuration *prometheus.HistogramVec
	UnitStopDuration  *prometheus.HistogramVec

	queueDepth *prometheus.Desc
	highWater  *prometheus.Desc
	saturated  *prometheus.Desc
	accepted   *prometheus.Desc
	commands   *prometheus.Desc
	ticks      *prometheus.Desc
	drains     *prometheus.Desc
	state      *prometheus.Desc
}

var _ actor.MetricsRecorder = (*RuntimeCollector)(nil)

// NewRuntimeCollector registers runtime metrics against the provided
// registerer. units is called on every scrape; it may be nil until the
// runtime exists, see Bind.
func NewRuntimeCollector(reg prometheus.Registerer, units func() []actor.Health) (*RuntimeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	lifecycleBuckets := []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5}
	start, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "unit_start_duration_seconds",
		Help:      "Time spent in unit OnStart, labeled by unit and result.",
		Buckets:   lifecycleBuckets,
	}, []string{"unit", "result"}), "unit_start_duration_seconds")
	if err != nil {
		return nil, err
	}
	stop, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "unit_stop_duration_seconds",
		Help:      "Time from stop request to unit exit, labeled by unit and result.",
		Buckets:   lifecycleBuckets,
	}, []string{"unit", "result"}), "unit_stop_duration_seconds")
	if err != nil {
		return nil, err
	}

	unit := []string{"unit"}
	c := &RuntimeCollector{
		gatherer:          gatherer,
		UnitStartDuration: start,
		UnitStopDuration:  stop,
		queueDepth:        prometheus.NewDesc(namespace+"_unit_queue_depth", "Commands waiting in the unit queue.", unit, nil),
		highWater:         prometheus.NewDesc(namespace+"_unit_queue_high_water", "Deepest the unit queue has been.", unit, nil),
		saturated:         prometheus.NewDesc(namespace+"_unit_queue_saturated_total", "Pushes rejected because the queue stayed full.", unit, nil),
		accepted:          prometheus.NewDesc(namespace+"_unit_queue_accepted_total", "Commands accepted into the unit queue.", unit, nil),
		commands:          prometheus.NewDesc(namespace+"_unit_commands_total", "Commands dispatched to the unit.", unit, nil),
		ticks:             prometheus.NewDesc(namespace+"_unit_ticks_total", "Unit tick callbacks.", unit, nil),
		drains:            prometheus.NewDesc(namespace+"_unit_drains_total", "Queue drain passes.", unit, nil),
		state:             prometheus.NewDesc(namespace+"_unit_state", "Current lifecycle state, 1 for the labeled state.", []string{"unit", "state"}, nil),
	}
	c.Bind(units)
	if err := reg.Register(c); err != nil {
		return nil, fmt.Errorf("register runtime metrics: %w", err)
	}
	return c, nil
}

// Bind sets the source read on scrape.
func (c *RuntimeCollector) Bind(units func() []actor.Health) {
	if c != nil && units != nil {
		c.units.Store(&units)
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RuntimeCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveUnitStart records an OnStart duration.
func (c *RuntimeCollector) ObserveUnitStart(unit string, d time.Duration, err error) {
	if c == nil || c.UnitStartDuration == nil {
		return
	}
	c.UnitStartDuration.WithLabelValues(unit, result(err)).Observe(d.Seconds())
}

// ObserveUnitStop records a stop duration.
func (c *RuntimeCollector) ObserveUnitStop(unit string, d time.Duration, err error) {
	if c == nil || c.UnitStopDuration == nil {
		return
	}
	c.UnitStopDuration.WithLabelValues(unit, result(err)).Observe(d.Seconds())
}

func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.highWater
	ch <- c.saturated
	ch <- c.accepted
	ch <- c.commands
	ch <- c.ticks
	ch <- c.drains
	ch <- c.state
}

func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	units := c.units.Load()
	if units == nil {
		return
	}
	for _, h := range (*units)() {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(h.QueueLen), h.Name)
		ch <- prometheus.MustNewConstMetric(c.highWater, prometheus.GaugeValue, float64(h.Queue.HighWater), h.Name)
		ch <- prometheus.MustNewConstMetric(c.saturated, prometheus.CounterValue, float64(h.Queue.Saturated), h.Name)
		ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(h.Queue.Accepted), h.Name)
		ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(h.Metrics.Commands), h.Name)
		ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(h.Metrics.Ticks), h.Name)
		ch <- prometheus.MustNewConstMetric(c.drains, prometheus.CounterValue, float64(h.Metrics.Drains), h.Name)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, h.Name, h.State.String())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
