// Package narrative drives the BUILD, HOLD, RELEASE, REST tension cycle.
//
// The engine is a pure state machine: every query takes the current time,
// so the owner decides which clock drives it. Update advances at most one
// phase per call, anchoring the next phase at the exact boundary of the
// previous one, which keeps the observed phase order strictly cyclic even
// across stalls.
package narrative

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrUnknownCurve   = errors.New("narrative: unknown curve")
	ErrZoneRange      = errors.New("narrative: zone out of range")
	ErrInvalidBreathe = errors.New("narrative: hold breathe outside [0,1]")
)

// MaxZones is the number of zones that can carry a phase offset.
const MaxZones = 8

const (
	minBuild   = 10 * time.Millisecond
	minRelease = 10 * time.Millisecond
	// cycleTMax keeps cycle fractions strictly below one.
	cycleTMax = 1 - 1e-9
)

// Phase is one of the four narrative states.
type Phase uint8

const (
	Build Phase = iota
	Hold
	Release
	Rest
	numPhases
)

func (p Phase) String() string {
	switch p {
	case Build:
		return "BUILD"
	case Hold:
		return "HOLD"
	case Release:
		return "RELEASE"
	case Rest:
		return "REST"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Next returns the phase that follows p.
func (p Phase) Next() Phase { return (p + 1) % numPhases }

// Config holds phase durations and curve shaping.
type Config struct {
	Build        time.Duration `yaml:"build"`
	Hold         time.Duration `yaml:"hold"`
	Release      time.Duration `yaml:"release"`
	Rest         time.Duration `yaml:"rest"`
	BuildCurve   Curve         `yaml:"build_curve"`
	ReleaseCurve Curve         `yaml:"release_curve"`
	// HoldBreathe is the depth of the cosine dip during HOLD, in [0,1].
	HoldBreathe float64 `yaml:"hold_breathe"`
}

// DefaultConfig is a four second cycle.
func DefaultConfig() Config {
	return Config{
		Build:        1500 * time.Millisecond,
		Hold:         500 * time.Millisecond,
		Release:      1500 * time.Millisecond,
		Rest:         500 * time.Millisecond,
		BuildCurve:   InQuad,
		ReleaseCurve: OutQuad,
		HoldBreathe:  0.1,
	}
}

// Validate reports configuration errors that normalisation cannot fix.
func (c Config) Validate() error {
	if c.BuildCurve >= numCurves {
		return fmt.Errorf("%w: build %d", ErrUnknownCurve, c.BuildCurve)
	}
	if c.ReleaseCurve >= numCurves {
		return fmt.Errorf("%w: release %d", ErrUnknownCurve, c.ReleaseCurve)
	}
	if c.HoldBreathe < 0 || c.HoldBreathe > 1 || math.IsNaN(c.HoldBreathe) {
		return ErrInvalidBreathe
	}
	return nil
}

// normalized applies duration floors.
func (c Config) normalized() Config {
	c.Build = max(c.Build, minBuild)
	c.Release = max(c.Release, minRelease)
	c.Hold = max(c.Hold, 0)
	c.Rest = max(c.Rest, 0)
	return c
}

// Total is the length of one full cycle.
func (c Config) Total() time.Duration {
	return c.Build + c.Hold + c.Release + c.Rest
}

func (c Config) duration(p Phase) time.Duration {
	switch p {
	case Build:
		return c.Build
	case Hold:
		return c.Hold
	case Release:
		return c.Release
	default:
		return c.Rest
	}
}

// Transition describes one phase change.
type Transition struct {
	From  Phase
	To    Phase
	At    time.Time
	Cycle uint64
}

// State is a read-only summary of the engine.
type State struct {
	Enabled     bool
	Paused      bool
	Overridden  bool
	Phase       Phase
	PhaseT      float64
	CycleT      float64
	Tension     float64
	Cycles      uint64
	Transitions uint64
}

// Engine is the narrative state machine. It is not safe for concurrent use;
// it belongs to the unit that renders.
type Engine struct {
	cfg Config

	enabled    bool
	paused     bool
	pauseStart time.Time

	phase      Phase
	phaseStart time.Time
	cycleStart time.Time

	override    float64
	hasOverride bool

	zoneOffsets [MaxZones]float64

	justChanged bool
	last        Transition
	cycles      uint64
	transitions uint64
}

// New constructs a disabled engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg.normalized()}, nil
}

// Config returns the active configuration after duration floors.
func (e *Engine) Config() Config { return e.cfg }

// Enable starts a fresh cycle at BUILD. Enabling an enabled engine is a
// no-op.
func (e *Engine) Enable(now time.Time) {
	if e.enabled {
		return
	}
	e.enabled = true
	e.paused = false
	e.restart(now)
}

// Disable stops the cycle. While disabled Phase reports HOLD and tension is
// unavailable.
func (e *Engine) Disable() {
	e.enabled = false
	e.justChanged = false
}

// Enabled reports whether the cycle is running.
func (e *Engine) Enabled() bool { return e.enabled }

func (e *Engine) restart(now time.Time) {
	e.phase = Build
	e.phaseStart = now
	e.cycleStart = now
	e.justChanged = false
}

// Update advances the state machine to now. It moves forward by at most
// one phase and reports the transition when one happened.
func (e *Engine) Update(now time.Time) (Transition, bool) {
	e.justChanged = false
	if !e.enabled || e.paused {
		return Transition{}, false
	}
	d := e.cfg.duration(e.phase)
	if now.Sub(e.phaseStart) < d {
		return Transition{}, false
	}
	return e.step(e.phaseStart.Add(d)), true
}

// Advance forces the transition to the next phase at now.
func (e *Engine) Advance(now time.Time) (Transition, bool) {
	e.justChanged = false
	if !e.enabled {
		return Transition{}, false
	}
	if e.paused {
		e.Resume(now)
	}
	return e.step(now), true
}

func (e *Engine) step(at time.Time) Transition {
	from := e.phase
	e.phase = from.Next()
	e.phaseStart = at
	if e.phase == Build {
		e.cycleStart = at
		e.cycles++
	}
	e.transitions++
	e.justChanged = true
	e.last = Transition{From: from, To: e.phase, At: at, Cycle: e.cycles}
	return e.last
}

// JustEntered reports whether the last Update entered p.
func (e *Engine) JustEntered(p Phase) bool {
	return e.justChanged && e.phase == p
}

// LastTransition returns the most recent phase change.
func (e *Engine) LastTransition() Transition { return e.last }

// Pause freezes the cycle.
func (e *Engine) Pause(now time.Time) {
	if e.enabled && !e.paused {
		e.paused = true
		e.pauseStart = now
	}
}

// Resume continues a paused cycle, shifting start times by the pause.
func (e *Engine) Resume(now time.Time) {
	if !e.paused {
		return
	}
	e.paused = false
	d := now.Sub(e.pauseStart)
	e.phaseStart = e.phaseStart.Add(d)
	e.cycleStart = e.cycleStart.Add(d)
}

// SetOverride replaces computed tension with v clamped to [0,1]. A negative
// value clears the override.
func (e *Engine) SetOverride(v float64) {
	if v < 0 {
		e.ClearOverride()
		return
	}
	e.override = clamp01(v)
	e.hasOverride = true
}

// ClearOverride returns to computed tension.
func (e *Engine) ClearOverride() {
	e.hasOverride = false
	e.override = 0
}

// SetZoneOffset shifts zone by ratio of a cycle, wrapped into [0,1).
func (e *Engine) SetZoneOffset(zone int, ratio float64) error {
	if zone < 0 || zone >= MaxZones {
		return fmt.Errorf("%w: %d", ErrZoneRange, zone)
	}
	ratio = math.Mod(ratio, 1)
	if ratio < 0 {
		ratio++
	}
	e.zoneOffsets[zone] = ratio
	return nil
}

// ZoneOffset returns the offset of zone, or 0 when out of range.
func (e *Engine) ZoneOffset(zone int) float64 {
	if zone < 0 || zone >= MaxZones {
		return 0
	}
	return e.zoneOffsets[zone]
}

// SetCycleDuration scales all four phases so one cycle lasts total.
func (e *Engine) SetCycleDuration(total time.Duration) {
	cur := e.cfg.Total()
	if cur <= 0 || total <= 0 {
		return
	}
	scale := float64(total) / float64(cur)
	e.cfg.Build = time.Duration(float64(e.cfg.Build) * scale)
	e.cfg.Hold = time.Duration(float64(e.cfg.Hold) * scale)
	e.cfg.Release = time.Duration(float64(e.cfg.Release) * scale)
	e.cfg.Rest = time.Duration(float64(e.cfg.Rest) * scale)
	e.cfg = e.cfg.normalized()
}

// SetTempo speeds the cycle up by scale, so 2 halves every phase.
func (e *Engine) SetTempo(scale float64) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return
	}
	e.SetCycleDuration(time.Duration(float64(e.cfg.Total()) / scale))
}

// Phase returns the current phase; HOLD while disabled.
func (e *Engine) Phase() Phase {
	if !e.enabled {
		return Hold
	}
	return e.phase
}

// PhaseT is the elapsed fraction of the current phase.
func (e *Engine) PhaseT(now time.Time) float64 {
	if !e.enabled {
		return 1
	}
	d := e.cfg.duration(e.phase)
	if d <= 0 {
		return 1
	}
	return clamp01(float64(e.elapsed(now, e.phaseStart)) / float64(d))
}

// CycleT is the elapsed fraction of the current cycle, in [0,1).
func (e *Engine) CycleT(now time.Time) float64 {
	if !e.enabled {
		return 0
	}
	total := e.cfg.Total()
	if total <= 0 {
		return 0
	}
	t := float64(e.elapsed(now, e.cycleStart)) / float64(total)
	return math.Min(clamp01(t), cycleTMax)
}

func (e *Engine) elapsed(now, since time.Time) time.Duration {
	if e.paused {
		now = e.pauseStart
	}
	if d := now.Sub(since); d > 0 {
		return d
	}
	return 0
}

// Tension returns the current tension. The boolean is false when the
// engine is disabled and no override is set; the value is then 1.
func (e *Engine) Tension(now time.Time) (float64, bool) {
	if e.hasOverride {
		return e.override, true
	}
	if !e.enabled {
		return 1, false
	}
	return e.tensionIn(e.phase, e.PhaseT(now)), true
}

// TensionAt returns the tension of zone, which runs the shared cycle shifted
// by its offset. Out-of-range zones get the global tension.
func (e *Engine) TensionAt(zone int, now time.Time) (float64, bool) {
	if e.hasOverride {
		return e.override, true
	}
	if !e.enabled {
		return 1, false
	}
	if zone < 0 || zone >= MaxZones || e.zoneOffsets[zone] == 0 {
		return e.Tension(now)
	}
	ct := math.Mod(e.CycleT(now)+e.zoneOffsets[zone], 1)
	p, pt := e.locate(ct)
	return e.tensionIn(p, pt), true
}

// locate maps a cycle fraction onto a phase and its elapsed fraction.
func (e *Engine) locate(cycleT float64) (Phase, float64) {
	total := float64(e.cfg.Total())
	pos := cycleT * total
	for p := Build; p < numPhases; p++ {
		d := float64(e.cfg.duration(p))
		if pos < d || p == Rest {
			if d <= 0 {
				return p, 1
			}
			return p, clamp01(pos / d)
		}
		pos -= d
	}
	return Rest, 1
}

func (e *Engine) tensionIn(p Phase, t float64) float64 {
	switch p {
	case Build:
		return Ease(e.cfg.BuildCurve, t)
	case Hold:
		return 1 - e.cfg.HoldBreathe*(1-math.Cos(2*math.Pi*t))/2
	case Release:
		return 1 - Ease(e.cfg.ReleaseCurve, t)
	default:
		return 0
	}
}

// TempoMultiplier maps tension onto a speed factor in [1, 1.5].
func (e *Engine) TempoMultiplier(now time.Time) float64 {
	t, _ := e.Tension(now)
	return 1 + 0.5*t
}

// ComplexityScaling maps tension onto a detail factor in [0.5, 1].
func (e *Engine) ComplexityScaling(now time.Time) float64 {
	t, _ := e.Tension(now)
	return 0.5 + 0.5*t
}

// State summarises the engine at now.
func (e *Engine) State(now time.Time) State {
	t, _ := e.Tension(now)
	return State{
		Enabled:     e.enabled,
		Paused:      e.paused,
		Overridden:  e.hasOverride,
		Phase:       e.Phase(),
		PhaseT:      e.PhaseT(now),
		CycleT:      e.CycleT(now),
		Tension:     t,
		Cycles:      e.cycles,
		Transitions: e.transitions,
	}
}
