// Package render turns the active effect into transmitted pixels once per
// frame: effect, conditioning, transmission.
//
// A Pipeline is owned by the render goroutine. Every buffer it touches is
// allocated at construction so steady-state frames do not allocate. Stats
// are single-writer atomics that other goroutines may read at any time.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/dither"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// MaxZones bounds the zone composition.
const MaxZones = 8

// fpsWindow is the number of frames between FPS updates.
const fpsWindow = 120

// NoEffect selects the idle colour.
const NoEffect = -1

var (
	ErrInvalidConfig = errors.New("render: invalid config")
	ErrZoneRange     = errors.New("render: zone out of range")
)

// Zone is a half-open LED range [Start, End).
type Zone struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Len is the LED count of z.
func (z Zone) Len() int { return z.End - z.Start }

// Config shapes the pipeline.
type Config struct {
	Layout        output.Layout  `yaml:"layout"`
	FPS           int            `yaml:"fps"`
	Budget        time.Duration  `yaml:"budget"`
	MaxBrightness uint8          `yaml:"max_brightness"`
	Gamma         float64        `yaml:"gamma"`
	Exposure      ExposureConfig `yaml:"exposure"`
	Correction    Correction     `yaml:"correction"`
	Dither        dither.Policy  `yaml:"dither"`
	Power         PowerConfig    `yaml:"power"`
	Idle          pixel.RGB8     `yaml:"idle"`
	Zones         []Zone         `yaml:"zones"`
	// Center is the strip centre index; negative means half the length.
	Center int `yaml:"center"`
	// Effect is the effect selected at start, or NoEffect.
	Effect int `yaml:"effect"`
}

// DefaultConfig is two 160 LED strips at 120 FPS.
func DefaultConfig() Config {
	return Config{
		Layout:        output.Layout{Segments: []int{160, 160}},
		FPS:           120,
		MaxBrightness: 255,
		Gamma:         2.2,
		Exposure:      DefaultExposure(),
		Correction:    DefaultCorrection(),
		Dither:        dither.DefaultPolicy(),
		Power:         DefaultPower(),
		Center:        -1,
		Effect:        NoEffect,
	}
}

// FrameBudget is the per-frame time budget.
func (c Config) FrameBudget() time.Duration {
	if c.Budget > 0 {
		return c.Budget
	}
	if c.FPS > 0 {
		return time.Second / time.Duration(c.FPS)
	}
	return 0
}

// Validate reports every configuration problem.
func (c Config) Validate() error {
	var errs []error
	if err := c.Layout.Validate(); err != nil {
		errs = append(errs, err)
	}
	total := c.Layout.Total()
	if c.FPS <= 0 && c.Budget <= 0 {
		errs = append(errs, fmt.Errorf("%w: fps or budget must be set", ErrInvalidConfig))
	}
	if c.Gamma < 0 || math.IsNaN(c.Gamma) {
		errs = append(errs, fmt.Errorf("%w: gamma %v", ErrInvalidConfig, c.Gamma))
	}
	if c.Exposure.Enabled {
		e := c.Exposure
		if e.MinGain <= 0 || e.MaxGain < e.MinGain || e.Smoothing <= 0 || e.Smoothing > 1 {
			errs = append(errs, fmt.Errorf("%w: exposure gains or smoothing", ErrInvalidConfig))
		}
	}
	if len(c.Zones) > MaxZones {
		errs = append(errs, fmt.Errorf("%w: %d zones, max %d", ErrInvalidConfig, len(c.Zones), MaxZones))
	}
	prevEnd := 0
	for i, z := range c.Zones {
		if z.Start < prevEnd || z.End <= z.Start || z.End > total {
			errs = append(errs, fmt.Errorf("%w: zone %d [%d,%d)", ErrInvalidConfig, i, z.Start, z.End))
			continue
		}
		prevEnd = z.End
	}
	if c.Center >= total {
		errs = append(errs, fmt.Errorf("%w: center %d beyond %d leds", ErrInvalidConfig, c.Center, total))
	}
	if c.Effect < NoEffect || c.Effect >= MaxEffects {
		errs = append(errs, fmt.Errorf("%w: effect %d", ErrInvalidConfig, c.Effect))
	}
	return errors.Join(errs...)
}

// TensionSource supplies narrative tension.
type TensionSource interface {
	Tension(now time.Time) (float64, bool)
	TensionAt(zone int, now time.Time) (float64, bool)
}

// FrameSink receives the transmitted frame.
type FrameSink interface {
	Capture(px []pixel.RGB8) uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for frame timing.
func WithClock(c timectrl.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTension feeds narrative tension into effect contexts.
func WithTension(src TensionSource) Option {
	return func(p *Pipeline) { p.tension = src }
}

// WithAudio feeds audio features into effect contexts.
func WithAudio(r *snapshot.Reader[audio.Features]) Option {
	return func(p *Pipeline) { p.audio = r }
}

// WithFrameSink taps every transmitted frame.
func WithFrameSink(s FrameSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// Result describes one render cycle.
type Result struct {
	Frame    uint64
	Duration time.Duration
	Dropped  bool
	Idle     bool
	Err      error
}

// Stats is a point-in-time copy of pipeline counters.
type Stats struct {
	Frames         uint64
	Drops          uint64
	IdleFrames     uint64
	TransmitErrors uint64
	PowerLimited   uint64
	MinFrame       time.Duration
	MaxFrame       time.Duration
	AvgFrame       time.Duration
	Budget         time.Duration
	FPS            float64
	// EffectShare is the fraction of frame time spent inside effects.
	EffectShare float64
	Effect      int
	ZoneMode    bool
}

type counters struct {
	frames       atomic.Uint64
	drops        atomic.Uint64
	idle         atomic.Uint64
	txErrors     atomic.Uint64
	powerLimited atomic.Uint64
	minNs        atomic.Int64
	maxNs        atomic.Int64
	avgNs        atomic.Int64
	fpsMilli     atomic.Uint64
	effectNs     atomic.Uint64
	totalNs      atomic.Uint64
	effect       atomic.Int32
	zoneMode     atomic.Bool
}

// Pipeline renders frames.
type Pipeline struct {
	cfg    Config
	reg    *Registry
	clock  timectrl.Clock
	logger logging.Logger

	tension TensionSource
	audio   *snapshot.Reader[audio.Features]
	sink    FrameSink

	frame  []pixel.RGB16
	work   []pixel.RGB16
	out    []pixel.RGB8
	zones  []Zone
	center int
	idle16 pixel.RGB16

	cond *conditioner
	tx   *transmitter

	ctx         Context
	params      Params
	active      int
	zoneMode    bool
	zoneEffects [MaxZones]int
	condSpans   []Zone
	rawSpans    []Zone
	idleSpans   []Zone

	frameNo     uint64
	t0          time.Time
	last        time.Time
	windowStart time.Time
	budget      time.Duration

	overBudget *rate.Limiter
	txLog      *rate.Limiter

	stats counters
}

// New builds a pipeline over reg and seals it.
func New(cfg Config, reg *Registry, drv output.Driver, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil || drv == nil {
		return nil, fmt.Errorf("%w: nil registry or driver", ErrInvalidConfig)
	}
	if cfg.Effect != NoEffect && !reg.Has(uint8(cfg.Effect)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEffect, cfg.Effect)
	}
	reg.Seal()

	total := cfg.Layout.Total()
	p := &Pipeline{
		cfg:        cfg,
		reg:        reg,
		clock:      timectrl.SystemClock{},
		logger:     logging.Noop(),
		frame:      make([]pixel.RGB16, total),
		work:       make([]pixel.RGB16, total),
		out:        make([]pixel.RGB8, total),
		zones:      append([]Zone(nil), cfg.Zones...),
		condSpans:  make([]Zone, 0, MaxZones),
		rawSpans:   make([]Zone, 0, MaxZones),
		idleSpans:  make([]Zone, 0, 2*MaxZones+1),
		center:     cfg.Center,
		idle16:     pixel.From8(cfg.Idle.R, cfg.Idle.G, cfg.Idle.B),
		params:     DefaultParams(),
		active:     cfg.Effect,
		budget:     cfg.FrameBudget(),
		overBudget: rate.NewLimiter(rate.Every(time.Second), 1),
		txLog:      rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if p.center < 0 {
		p.center = total / 2
	}
	for i := range p.zoneEffects {
		p.zoneEffects[i] = NoEffect
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cond = newConditioner(total, cfg.Exposure, cfg.MaxBrightness, cfg.Gamma, cfg.Dither, cfg.Correction)
	p.tx = newTransmitter(drv, cfg.Layout, p.out, cfg.Power)
	p.stats.minNs.Store(math.MaxInt64)
	p.stats.effect.Store(int32(p.active))
	return p, nil
}

// Init initialises the driver.
func (p *Pipeline) Init(ctx context.Context) error {
	if err := p.tx.drv.Initialize(p.cfg.Layout); err != nil {
		return fmt.Errorf("render: driver init: %w", err)
	}
	p.logger.Info(ctx, "render pipeline ready",
		logging.Int("leds", len(p.frame)),
		logging.Int("segments", len(p.cfg.Layout.Segments)),
		logging.Int("effects", p.reg.Len()),
		logging.Duration("budget", p.budget),
	)
	return nil
}

// Close closes the driver.
func (p *Pipeline) Close() error { return p.tx.drv.Close() }

// Registry returns the sealed effect registry.
func (p *Pipeline) Registry() *Registry { return p.reg }

// Budget is the frame budget.
func (p *Pipeline) Budget() time.Duration { return p.budget }

// Output is the last transmitted frame. Only the render goroutine may read
// it.
func (p *Pipeline) Output() []pixel.RGB8 { return p.out }

// Params returns the current parameters.
func (p *Pipeline) Params() Params { return p.params }

// SetParams replaces all parameters.
func (p *Pipeline) SetParams(ps Params) { p.params = ps }

// Active returns the selected effect id or NoEffect.
func (p *Pipeline) Active() int { return p.active }

// SetEffect selects effect id.
func (p *Pipeline) SetEffect(id uint8) error {
	if !p.reg.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownEffect, id)
	}
	if p.active != int(id) {
		e := p.reg.entries[id].effect
		if a, ok := e.(Activator); ok {
			a.Activate()
		}
		p.active = int(id)
		p.stats.effect.Store(int32(id))
	}
	return nil
}

// ClearEffect selects the idle colour.
func (p *Pipeline) ClearEffect() {
	p.active = NoEffect
	p.stats.effect.Store(NoEffect)
}

// SetZoneEffect selects effect id for zone.
func (p *Pipeline) SetZoneEffect(zone int, id uint8) error {
	if zone < 0 || zone >= len(p.zones) {
		return fmt.Errorf("%w: %d of %d", ErrZoneRange, zone, len(p.zones))
	}
	if !p.reg.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownEffect, id)
	}
	if p.zoneEffects[zone] != int(id) {
		if a, ok := p.reg.entries[id].effect.(Activator); ok {
			a.Activate()
		}
		p.zoneEffects[zone] = int(id)
	}
	return nil
}

// ClearZoneEffect returns zone to the idle colour.
func (p *Pipeline) ClearZoneEffect(zone int) error {
	if zone < 0 || zone >= len(p.zones) {
		return fmt.Errorf("%w: %d of %d", ErrZoneRange, zone, len(p.zones))
	}
	p.zoneEffects[zone] = NoEffect
	return nil
}

// SetZoneMode switches between the single effect and the zone
// composition. LEDs outside every zone, and zones without an effect, show
// the idle colour.
func (p *Pipeline) SetZoneMode(on bool) error {
	if on && len(p.zones) == 0 {
		return fmt.Errorf("%w: no zones configured", ErrZoneRange)
	}
	p.zoneMode = on
	p.stats.zoneMode.Store(on)
	return nil
}

// ZoneMode reports whether zones are active.
func (p *Pipeline) ZoneMode() bool { return p.zoneMode }

// RenderCycle renders, conditions and transmits one frame.
func (p *Pipeline) RenderCycle() Result {
	start := p.clock.Now()
	if p.frameNo == 0 {
		p.t0 = start
		p.last = start
		p.windowStart = start
	}

	c := &p.ctx
	c.Delta = start.Sub(p.last)
	c.Elapsed = start.Sub(p.t0)
	c.Frame = p.frameNo
	c.Params = p.params
	p.last = start

	c.HasAudio = false
	c.AudioFreshness = snapshot.Empty
	if p.audio != nil {
		f, fr, ok := p.audio.ReadLatest(start)
		c.Audio, c.AudioFreshness, c.HasAudio = f, fr, ok
	}

	mode := p.renderEffects(start)
	effEnd := p.clock.Now()
	idle := mode == frameIdle

	// Conditioning runs on a scratch copy; effects own p.frame across
	// frames.
	var err error
	switch mode {
	case frameIdle:
		pixel.Fill(p.frame, p.idle16)
		fill8(p.out, p.cfg.Idle)
	case frameRaw:
		truncate(p.frame, p.out)
	case frameConditioned:
		copy(p.work, p.frame)
		err = p.cond.apply(p.work, p.out, nil)
	case frameZones:
		err = p.composeZones()
	}

	if err == nil {
		limited := p.tx.limited
		err = p.tx.send(p.out, p.params.Brightness)
		if p.tx.limited != limited {
			p.stats.powerLimited.Add(1)
		}
		if p.sink != nil {
			p.sink.Capture(p.out)
		}
	}
	end := p.clock.Now()

	res := Result{Frame: p.frameNo, Duration: end.Sub(start), Idle: idle, Err: err}
	res.Dropped = p.budget > 0 && res.Duration > p.budget
	p.account(res, effEnd.Sub(start), end)
	p.frameNo++
	return res
}

type frameMode uint8

const (
	frameIdle frameMode = iota
	frameRaw
	frameConditioned
	frameZones
)

func (p *Pipeline) renderEffects(now time.Time) frameMode {
	if p.zoneMode {
		return p.renderZones(now)
	}
	if p.active == NoEffect {
		return frameIdle
	}
	c := &p.ctx
	ent := p.reg.entries[p.active]
	c.Zone = -1
	c.Center = p.center
	c.Tension, c.HasTension = 0, false
	if p.tension != nil {
		c.Tension, c.HasTension = p.tension.Tension(now)
	}
	ent.effect.Render(c, p.frame)
	if ent.caps&SkipConditioning != 0 {
		return frameRaw
	}
	return frameConditioned
}

// renderZones renders every zone that has an effect and sorts the strip
// into conditioned, raw and idle spans.
func (p *Pipeline) renderZones(now time.Time) frameMode {
	c := &p.ctx
	p.condSpans = p.condSpans[:0]
	p.rawSpans = p.rawSpans[:0]
	p.idleSpans = p.idleSpans[:0]

	prev := 0
	for k, z := range p.zones {
		if z.Start > prev {
			p.idleSpans = append(p.idleSpans, Zone{Start: prev, End: z.Start})
		}
		prev = z.End

		id := p.zoneEffects[k]
		if id == NoEffect {
			p.idleSpans = append(p.idleSpans, z)
			continue
		}
		ent := p.reg.entries[id]
		buf := p.frame[z.Start:z.End]
		c.Zone = k
		c.Center = len(buf) / 2
		c.Tension, c.HasTension = 0, false
		if p.tension != nil {
			c.Tension, c.HasTension = p.tension.TensionAt(k, now)
		}
		ent.effect.Render(c, buf)
		if ent.caps&SkipConditioning != 0 {
			p.rawSpans = append(p.rawSpans, z)
		} else {
			p.condSpans = append(p.condSpans, z)
		}
	}
	if prev < len(p.frame) {
		p.idleSpans = append(p.idleSpans, Zone{Start: prev, End: len(p.frame)})
	}

	if len(p.condSpans) == 0 && len(p.rawSpans) == 0 {
		return frameIdle
	}
	for _, z := range p.idleSpans {
		pixel.Fill(p.frame[z.Start:z.End], p.idle16)
	}
	return frameZones
}

// composeZones writes each span of the zone composition to the output.
func (p *Pipeline) composeZones() error {
	if len(p.condSpans) > 0 {
		copy(p.work, p.frame)
		if err := p.cond.apply(p.work, p.out, p.condSpans); err != nil {
			return err
		}
	}
	for _, z := range p.rawSpans {
		truncate(p.frame[z.Start:z.End], p.out[z.Start:z.End])
	}
	for _, z := range p.idleSpans {
		fill8(p.out[z.Start:z.End], p.cfg.Idle)
	}
	return nil
}

func truncate(in []pixel.RGB16, out []pixel.RGB8) {
	for i, px := range in {
		out[i] = px.Truncate()
	}
}

func fill8(out []pixel.RGB8, c pixel.RGB8) {
	for i := range out {
		out[i] = c
	}
}

func (p *Pipeline) account(res Result, effect time.Duration, end time.Time) {
	s := &p.stats
	n := s.frames.Add(1)
	d := int64(res.Duration)
	if res.Dropped {
		s.drops.Add(1)
		if p.overBudget.AllowN(end, 1) {
			p.logger.Warn(context.Background(), "frame over budget",
				logging.Frame(res.Frame),
				logging.Duration("took", res.Duration),
				logging.Duration("budget", p.budget),
			)
		}
	}
	if res.Idle {
		s.idle.Add(1)
	}
	if res.Err != nil {
		s.txErrors.Add(1)
		if p.txLog.AllowN(end, 1) {
			p.logger.Warn(context.Background(), "frame transmit failed", logging.Err(res.Err))
		}
	}
	if d < s.minNs.Load() {
		s.minNs.Store(d)
	}
	if d > s.maxNs.Load() {
		s.maxNs.Store(d)
	}
	if avg := s.avgNs.Load(); avg == 0 {
		s.avgNs.Store(d)
	} else {
		s.avgNs.Store((avg*9 + d) / 10)
	}
	s.effectNs.Add(uint64(max(effect, 0)))
	s.totalNs.Add(uint64(max(res.Duration, 0)))

	if n%fpsWindow == 0 {
		if w := end.Sub(p.windowStart); w > 0 {
			s.fpsMilli.Store(uint64(float64(fpsWindow) / w.Seconds() * 1000))
		}
		p.windowStart = end
	}
}

// Stats returns a copy of the counters. Safe from any goroutine.
func (p *Pipeline) Stats() Stats {
	s := &p.stats
	out := Stats{
		Frames:         s.frames.Load(),
		Drops:          s.drops.Load(),
		IdleFrames:     s.idle.Load(),
		TransmitErrors: s.txErrors.Load(),
		PowerLimited:   s.powerLimited.Load(),
		MaxFrame:       time.Duration(s.maxNs.Load()),
		AvgFrame:       time.Duration(s.avgNs.Load()),
		Budget:         p.budget,
		FPS:            float64(s.fpsMilli.Load()) / 1000,
		Effect:         int(s.effect.Load()),
		ZoneMode:       s.zoneMode.Load(),
	}
	if out.Frames > 0 {
		out.MinFrame = time.Duration(s.minNs.Load())
	}
	if total := s.totalNs.Load(); total > 0 {
		out.EffectShare = float64(s.effectNs.Load()) / float64(total)
	}
	return out
}
