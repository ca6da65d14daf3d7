// Package engine assembles the render engine: runtime, bus, snapshot
// exchanges, pipeline, narrative and the units that drive them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/capture"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/config"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/effects"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/narrative"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/observability"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/show"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// Unit names.
const (
	UnitAudio       = "audio"
	UnitShow        = "show"
	UnitRenderer    = "renderer"
	UnitRecorder    = "recorder"
	UnitDiagnostics = "diagnostics"
)

// pacerSpin is the busy-waited tail of each frame wait.
const pacerSpin = time.Millisecond

var (
	ErrNotStarted     = errors.New("engine: not started")
	ErrCommandRefused = errors.New("engine: command not accepted at the boundary")
)

// Stats is the read-only diagnostics surface.
type Stats struct {
	Session  string
	Uptime   time.Duration
	Render   render.Stats
	Renderer RendererStats
	Events   EventCounts
	Bus      bus.Stats
	Units    []actor.Health
	Degraded []string
	// Breaker is the output circuit state, or "direct" without one.
	Breaker       string
	Show          show.DirectorStats
	CaptureFrames uint64
	Rejected      uint64
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock        timectrl.Clock
	logger       logging.Logger
	registerer   prometheus.Registerer
	tracer       trace.TracerProvider
	driver       output.Driver
	audioSource  audio.Source
	script       *show.Script
	captureTo    io.Writer
	report       func(Stats)
	extraEffects func(*render.Registry) error
	quantum      time.Duration
	unpaced      bool
}

// WithClock sets the engine clock.
func WithClock(c timectrl.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider sets the provider for lifecycle spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// WithDriver replaces the driver chosen by output.driver. The breaker
// still wraps it when enabled.
func WithDriver(d output.Driver) Option { return func(o *options) { o.driver = d } }

// WithAudioSource replaces the synthetic tone source.
func WithAudioSource(src audio.Source) Option { return func(o *options) { o.audioSource = src } }

// WithScript plays s instead of loading show.script.
func WithScript(s show.Script) Option { return func(o *options) { o.script = &s } }

// WithCaptureWriter records frames into w instead of capture.path.
func WithCaptureWriter(w io.Writer) Option { return func(o *options) { o.captureTo = w } }

// WithReport receives a stats snapshot on every diagnostics tick.
func WithReport(fn func(Stats)) Option { return func(o *options) { o.report = fn } }

// WithEffects registers additional effects after the defaults.
func WithEffects(fn func(*render.Registry) error) Option {
	return func(o *options) { o.extraEffects = fn }
}

// WithQuantum fixes the runtime scheduler quantum.
func WithQuantum(q time.Duration) Option { return func(o *options) { o.quantum = q } }

// WithoutPacing renders frames back to back. Tests use it with a manual
// clock.
func WithoutPacing() Option { return func(o *options) { o.unpaced = true } }

// Engine is one configured render engine.
type Engine struct {
	cfg     config.Config
	log     logging.Logger
	clock   timectrl.Clock
	session string

	rt        *actor.Runtime
	bus       *bus.Bus
	registry  *render.Registry
	pipeline  *render.Pipeline
	narrative *narrative.Engine
	renderer  *Renderer
	diag      *Diagnostics
	director  *show.Director
	recorder  *capture.Recorder
	breaker   *output.Breaker

	audioReader *snapshot.Reader[audio.Features]

	metrics        *observability.RenderCollector
	runtimeMetrics *observability.RuntimeCollector

	unitNames []string
	handles   map[string]actor.Handle

	started  atomic.Bool
	startAt  time.Time
	rejected atomic.Uint64

	mu       sync.Mutex
	degraded []string
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: timectrl.SystemClock{}, logger: logging.Noop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = timectrl.SystemClock{}
	}
	if o.logger == nil {
		o.logger = logging.Noop()
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	session := logging.NewSessionID()
	sessCtx := logging.ContextWithSession(context.Background(), session)
	unitLog := func(unit string) logging.Logger { return logging.ForUnit(sessCtx, o.logger, unit) }
	e := &Engine{
		cfg:     cfg,
		log:     o.logger.With(logging.Session(session)),
		clock:   o.clock,
		session: session,
		bus:     bus.New(),
		handles: make(map[string]actor.Handle),
	}

	reg := render.NewRegistry()
	if err := effects.RegisterDefaults(reg); err != nil {
		return nil, err
	}
	if o.extraEffects != nil {
		if err := o.extraEffects(reg); err != nil {
			return nil, fmt.Errorf("engine: register effects: %w", err)
		}
	}
	e.registry = reg

	narr, err := narrative.New(cfg.Narrative.Config)
	if err != nil {
		return nil, err
	}
	e.narrative = narr

	drv := o.driver
	if drv == nil {
		drv = driverFor(cfg.Output)
	}
	if cfg.Output.Breaker.Enabled {
		e.breaker = output.NewBreaker("output", drv, cfg.Output.Breaker.BreakerConfig, func(from, to string) {
			e.log.Warn(context.Background(), "output circuit state changed",
				logging.String("from", from),
				logging.String("to", to),
			)
		})
		drv = e.breaker
	}

	pipeOpts := []render.Option{
		render.WithClock(o.clock),
		render.WithLogger(unitLog(UnitRenderer)),
		render.WithTension(narr),
	}

	var analyzer *audio.Analyzer
	if cfg.Audio.Enabled {
		ex, err := snapshot.New[audio.Features](1, snapshot.WithClock(o.clock))
		if err != nil {
			return nil, err
		}
		w, err := ex.Writer()
		if err != nil {
			return nil, err
		}
		rd, err := ex.NewReader(
			snapshot.WithStaleAfter[audio.Features](cfg.Audio.StaleAfter),
			snapshot.WithExtrapolation(audio.Extrapolator(cfg.Audio.Decay)),
		)
		if err != nil {
			return nil, err
		}
		src := o.audioSource
		if src == nil {
			src = audio.NewToneSource(cfg.Audio.SampleRate, cfg.Audio.ToneBPM)
		}
		analyzer, err = audio.NewAnalyzer(cfg.Audio, src, w, unitLog(UnitAudio))
		if err != nil {
			return nil, err
		}
		e.audioReader = rd
		pipeOpts = append(pipeOpts, render.WithAudio(rd))
	}

	if cfg.Capture.Enabled {
		ex, err := snapshot.New[capture.Frame](1, snapshot.WithClock(o.clock))
		if err != nil {
			return nil, err
		}
		w, err := ex.Writer()
		if err != nil {
			return nil, err
		}
		rd, err := ex.NewReader()
		if err != nil {
			return nil, err
		}
		recLog := unitLog(UnitRecorder)
		if o.captureTo != nil {
			e.recorder = capture.NewRecorderTo(o.captureTo, rd, o.clock, recLog)
		} else {
			e.recorder = capture.NewRecorder(cfg.Capture.Path, rd, o.clock, recLog)
		}
		pipeOpts = append(pipeOpts, render.WithFrameSink(capture.NewTap(w)))
	}

	e.pipeline, err = render.New(cfg.Render, reg, drv, pipeOpts...)
	if err != nil {
		return nil, err
	}

	e.metrics, err = observability.NewRenderCollector(o.registerer, e)
	if err != nil {
		return nil, err
	}
	e.runtimeMetrics, err = observability.NewRuntimeCollector(o.registerer, nil)
	if err != nil {
		return nil, err
	}

	var pacer Pacer
	if !o.unpaced {
		pacer = timectrl.NewFramePacer(e.pipeline.Budget(), pacerSpin)
	}
	e.renderer = NewRenderer(e.pipeline, narr, cfg.Narrative.Enabled, e.bus, o.clock, pacer, e.metrics, unitLog(UnitRenderer))
	e.diag = NewDiagnostics(e.bus, e.Stats, o.report, e.metrics, unitLog(UnitDiagnostics))

	if cfg.Show.Enabled || o.script != nil {
		var script show.Script
		if o.script != nil {
			script = *o.script
		} else if script, err = show.LoadScript(cfg.Show.Script); err != nil {
			return nil, err
		}
		e.director, err = show.NewDirector(script, reg.Find, e.sendToRenderer, o.clock, unitLog(UnitShow))
		if err != nil {
			return nil, err
		}
	}

	rtOpts := []actor.Option{
		actor.WithLogger(o.logger),
		actor.WithMetricsRecorder(e.runtimeMetrics),
		actor.WithDegradedHandler(e.unitDegraded),
	}
	if o.tracer != nil {
		rtOpts = append(rtOpts, actor.WithTracerProvider(o.tracer))
	}
	if o.quantum > 0 {
		rtOpts = append(rtOpts, actor.WithQuantum(o.quantum))
	}
	e.rt = actor.NewRuntime(rtOpts...)
	e.runtimeMetrics.Bind(e.rt.Units)

	if err := e.register(analyzer); err != nil {
		return nil, err
	}
	return e, nil
}

func driverFor(cfg config.OutputConfig) output.Driver {
	if cfg.Driver == config.DriverNull {
		return output.NewNull()
	}
	return output.NewSimulated(cfg.WireTime)
}

// register adds the units in start order: audio, show, renderer,
// recorder, diagnostics.
func (e *Engine) register(analyzer *audio.Analyzer) error {
	u := e.cfg.Units
	var deps []actor.Handle

	if analyzer != nil {
		h, err := e.add(analyzer, e.unitConfig(UnitAudio, u.Audio, true))
		if err != nil {
			return err
		}
		deps = append(deps, h)
	}
	if e.director != nil {
		if _, err := e.add(e.director, e.unitConfig(UnitShow, u.Show, true)); err != nil {
			return err
		}
	}
	renderer, err := e.add(e.renderer, e.unitConfig(UnitRenderer, u.Renderer, false), actor.WithDependsOn(deps...))
	if err != nil {
		return err
	}
	if e.recorder != nil {
		if _, err := e.add(e.recorder, e.unitConfig(UnitRecorder, u.Recorder, true), actor.WithDependsOn(renderer)); err != nil {
			return err
		}
	}
	_, err = e.add(e.diag, e.unitConfig(UnitDiagnostics, u.Diagnostics, false), actor.WithDependsOn(renderer))
	return err
}

func (e *Engine) add(unit actor.Unit, cfg actor.Config, opts ...actor.RegisterOption) (actor.Handle, error) {
	h, err := e.rt.Register(unit, cfg, opts...)
	if err != nil {
		return actor.Handle{}, fmt.Errorf("engine: register %s: %w", cfg.Name, err)
	}
	e.handles[cfg.Name] = h
	e.unitNames = append(e.unitNames, cfg.Name)
	return h, nil
}

func (e *Engine) unitConfig(name string, u config.UnitConfig, optional bool) actor.Config {
	core := u.Core
	if n := goruntime.NumCPU(); core >= n {
		e.log.Warn(context.Background(), "core not available; leaving unit unpinned",
			logging.Unit(name),
			logging.Int("core", core),
			logging.Int("cpus", n),
		)
		core = actor.AnyCore
	}
	return actor.Config{
		Name:         name,
		Core:         core,
		Priority:     u.Priority,
		QueueSize:    u.QueueSize,
		TickInterval: u.Tick,
		Optional:     optional,
	}
}

func (e *Engine) unitDegraded(unit string, err error) {
	e.mu.Lock()
	e.degraded = append(e.degraded, unit)
	n := len(e.degraded)
	e.mu.Unlock()

	idx := 0xFF
	for i, name := range e.unitNames {
		if name == unit {
			idx = i
		}
	}
	e.bus.Publish(bus.Event{Topic: bus.UnitDegraded, P1: uint8(idx), Seq: uint64(n)})
}

// Start brings the units up.
func (e *Engine) Start(ctx context.Context) error {
	ctx = logging.ContextWithSession(ctx, e.session)
	ctx = logging.ContextWithLogger(ctx, e.log)
	e.startAt = e.clock.Now()
	// The renderer queue accepts commands while earlier units start.
	e.started.Store(true)
	if err := e.rt.Start(ctx); err != nil {
		e.started.Store(false)
		return err
	}
	e.log.Info(ctx, "engine started",
		logging.Int("leds", e.cfg.Render.Layout.Total()),
		logging.Int("effects", e.registry.Len()),
		logging.Duration("budget", e.pipeline.Budget()),
		logging.Int("units", len(e.unitNames)),
	)
	return nil
}

// Stop shuts the units down and closes the bus.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.rt.Stop(ctx)
	e.started.Store(false)
	e.bus.Close()
	if e.audioReader != nil {
		e.audioReader.Close()
	}
	st := e.Stats()
	e.log.Info(ctx, "engine stopped",
		logging.Uint64("frames", st.Render.Frames),
		logging.Uint64("drops", st.Render.Drops),
		logging.Uint64("rejected", st.Rejected),
		logging.Err(err),
	)
	return err
}

// Run starts the engine and blocks until ctx is done, then stops it
// within stopTimeout.
func (e *Engine) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return e.Stop(stopCtx)
}

// Send validates cmd at the boundary and queues it for the renderer.
// Rejections are published as command-rejected events.
func (e *Engine) Send(cmd actor.Command) error {
	err := e.check(cmd)
	if err == nil {
		err = e.sendToRenderer(cmd)
	}
	if err != nil {
		n := e.rejected.Add(1)
		e.bus.Publish(bus.Event{Topic: bus.CommandRejected, P1: uint8(cmd.Kind), P2: rejectReason(err), P3: cmd.P1, Seq: n})
	}
	return err
}

func (e *Engine) check(cmd actor.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Kind {
	case actor.KindShutdown:
		return fmt.Errorf("%w: use Stop to shut down", ErrCommandRefused)
	case actor.KindSetEffect:
		if !e.registry.Has(cmd.P1) {
			return fmt.Errorf("%w: %d", render.ErrUnknownEffect, cmd.P1)
		}
	case actor.KindSetZoneEffect:
		if cmd.P2 != actor.ZoneEffectNone && !e.registry.Has(cmd.P2) {
			return fmt.Errorf("%w: %d", render.ErrUnknownEffect, cmd.P2)
		}
		if int(cmd.P1) >= len(e.cfg.Render.Zones) {
			return fmt.Errorf("%w: %d of %d", render.ErrZoneRange, cmd.P1, len(e.cfg.Render.Zones))
		}
	}
	return nil
}

func (e *Engine) sendToRenderer(cmd actor.Command) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	cmd.Timestamp = uint32(e.clock.Now().Sub(e.startAt).Milliseconds())
	return e.rt.Send(e.handles[UnitRenderer], cmd)
}

// Stats collects a snapshot from every component. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	st := Stats{
		Session:  e.session,
		Render:   e.pipeline.Stats(),
		Renderer: e.renderer.Stats(),
		Events:   e.diag.Counts(),
		Bus:      e.bus.Stats(),
		Units:    e.rt.Units(),
		Breaker:  "direct",
		Rejected: e.rejected.Load(),
	}
	if e.started.Load() {
		st.Uptime = e.clock.Now().Sub(e.startAt)
	}
	e.mu.Lock()
	st.Degraded = append([]string(nil), e.degraded...)
	e.mu.Unlock()
	if e.breaker != nil {
		st.Breaker = e.breaker.State()
	}
	if e.director != nil {
		st.Show = e.director.Stats()
	}
	if e.recorder != nil {
		st.CaptureFrames = e.recorder.Written()
	}
	return st
}

// RenderStats implements observability.RenderSource.
func (e *Engine) RenderStats() render.Stats { return e.pipeline.Stats() }

// BusStats implements observability.RenderSource.
func (e *Engine) BusStats() bus.Stats { return e.bus.Stats() }

// Bus returns the notification bus. Subscribe before Start to see
// start-up events.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Registry returns the sealed effect registry.
func (e *Engine) Registry() *render.Registry { return e.registry }

// Metrics returns the collector that serves /metrics.
func (e *Engine) Metrics() *observability.RenderCollector { return e.metrics }

// Session is the id attached to every log line of this engine.
func (e *Engine) Session() string { return e.session }
