package engine

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/bus"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/narrative"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// frameEventEvery is how many frames pass between frame-rendered events.
const frameEventEvery = 10

// Rejection reasons carried in P2 of command-rejected events.
const (
	RejectMalformed uint8 = iota + 1
	RejectUnknownEffect
	RejectZoneRange
	RejectSaturated
	RejectNotRunning
)

// FrameObserver receives every render result on the render goroutine.
// Implementations must not block or allocate.
type FrameObserver interface {
	ObserveFrame(d time.Duration, dropped bool)
}

// Pacer bounds the wait between frames.
type Pacer interface {
	Wait() bool
}

// Renderer is the self-clocked unit that owns the pipeline and the
// narrative engine. Commands and frames are handled on one goroutine, so
// neither needs locking.
type Renderer struct {
	actor.BaseUnit

	pipeline  *render.Pipeline
	narrative *narrative.Engine
	startOn   bool

	bus      *bus.Bus
	clock    timectrl.Clock
	pacer    Pacer
	observer FrameObserver
	logger   logging.Logger

	rejectLog *rate.Limiter

	applied  atomic.Uint64
	rejected atomic.Uint64
	phase    atomic.Uint32
	phaseSeq uint64
}

// RendererStats counts renderer activity.
type RendererStats struct {
	Applied  uint64
	Rejected uint64
	Phase    narrative.Phase
}

// NewRenderer wires a renderer. narr may be nil; pacer nil renders as
// fast as the loop turns.
func NewRenderer(p *render.Pipeline, narr *narrative.Engine, narrativeOn bool, b *bus.Bus, clock timectrl.Clock, pacer Pacer, obs FrameObserver, logger logging.Logger) *Renderer {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if logger == nil {
		logger = logging.Noop()
	}
	if b == nil {
		b = bus.New()
	}
	r := &Renderer{
		pipeline:  p,
		narrative: narr,
		startOn:   narrativeOn,
		bus:       b,
		clock:     clock,
		pacer:     pacer,
		observer:  obs,
		logger:    logger,
		rejectLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	r.phase.Store(uint32(narrative.Hold))
	return r
}

// OnStart initialises the driver and the narrative.
func (r *Renderer) OnStart(ctx context.Context) error {
	if err := r.pipeline.Init(ctx); err != nil {
		return err
	}
	if r.narrative != nil && r.startOn {
		r.narrative.Enable(r.clock.Now())
		r.phase.Store(uint32(r.narrative.Phase()))
	}
	return nil
}

// OnCommand applies one control command.
func (r *Renderer) OnCommand(cmd actor.Command) {
	if err := r.apply(cmd); err != nil {
		r.reject(cmd, err)
		return
	}
	r.applied.Add(1)
}

func (r *Renderer) apply(cmd actor.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch cmd.Kind {
	case actor.KindSetEffect:
		prev := r.pipeline.Active()
		if err := r.pipeline.SetEffect(cmd.P1); err != nil {
			return err
		}
		if prev != int(cmd.P1) {
			r.bus.Publish(bus.Event{Topic: bus.EffectChanged, P1: cmd.P1, P2: activeByte(prev)})
		}
	case actor.KindSetParam:
		ps := r.pipeline.Params()
		if !ps.Set(actor.Param(cmd.P1), cmd.P2) {
			return actor.ErrMalformedCommand
		}
		r.pipeline.SetParams(ps)
	case actor.KindSetZoneEffect:
		if cmd.P2 == actor.ZoneEffectNone {
			return r.pipeline.ClearZoneEffect(int(cmd.P1))
		}
		return r.pipeline.SetZoneEffect(int(cmd.P1), cmd.P2)
	case actor.KindSetZoneMode:
		return r.pipeline.SetZoneMode(cmd.P1 == 1)
	case actor.KindNarrative:
		return r.applyNarrative(cmd)
	}
	return nil
}

func (r *Renderer) applyNarrative(cmd actor.Command) error {
	if r.narrative == nil {
		return errNoNarrative
	}
	now := r.clock.Now()
	switch actor.NarrativeOp(cmd.P1) {
	case actor.NarrativeSetTension:
		r.narrative.SetOverride(float64(cmd.Tension()))
	case actor.NarrativeClearTension:
		r.narrative.ClearOverride()
	case actor.NarrativeEnable:
		r.narrative.Enable(now)
		r.phase.Store(uint32(r.narrative.Phase()))
	case actor.NarrativeDisable:
		r.narrative.Disable()
		r.phase.Store(uint32(r.narrative.Phase()))
	case actor.NarrativeAdvance:
		if tr, ok := r.narrative.Advance(now); ok {
			r.publishPhase(tr)
		}
	}
	return nil
}

var errNoNarrative = errors.New("engine: narrative engine not configured")

func (r *Renderer) reject(cmd actor.Command, err error) {
	n := r.rejected.Add(1)
	r.bus.Publish(bus.Event{Topic: bus.CommandRejected, P1: uint8(cmd.Kind), P2: rejectReason(err), P3: cmd.P1, Seq: n})
	if r.rejectLog.Allow() {
		r.logger.Warn(context.Background(), "command rejected",
			logging.String("kind", cmd.Kind.String()),
			logging.Uint64("rejected", n),
			logging.Err(err),
		)
	}
}

// OnTick waits for the frame deadline, steps the narrative and renders.
func (r *Renderer) OnTick() {
	if r.pacer != nil {
		r.pacer.Wait()
	}
	if r.narrative != nil {
		if tr, ok := r.narrative.Update(r.clock.Now()); ok {
			r.publishPhase(tr)
		}
	}
	res := r.pipeline.RenderCycle()
	if r.observer != nil {
		r.observer.ObserveFrame(res.Duration, res.Dropped)
	}
	if res.Frame%frameEventEvery == 0 {
		r.bus.Publish(bus.Event{
			Topic: bus.FrameRendered,
			P1:    activeByte(r.pipeline.Active()),
			P2:    boolByte(res.Dropped),
			P4:    uint32(min(res.Duration.Microseconds(), math.MaxUint32)),
			Seq:   res.Frame,
		})
	}
}

// publishPhase announces one transition. Update and Advance return each
// transition once, so one event goes out per phase change.
func (r *Renderer) publishPhase(tr narrative.Transition) {
	r.phaseSeq++
	r.phase.Store(uint32(tr.To))
	r.bus.Publish(bus.Event{
		Topic: bus.PhaseChanged,
		P1:    uint8(tr.From),
		P2:    uint8(tr.To),
		P4:    uint32(min(tr.Cycle, math.MaxUint32)),
		Seq:   r.phaseSeq,
	})
}

// OnStop closes the driver.
func (r *Renderer) OnStop() {
	if err := r.pipeline.Close(); err != nil {
		r.logger.Warn(context.Background(), "driver close failed", logging.Err(err))
	}
}

// Stats returns renderer counters. Safe from any goroutine.
func (r *Renderer) Stats() RendererStats {
	return RendererStats{
		Applied:  r.applied.Load(),
		Rejected: r.rejected.Load(),
		Phase:    narrative.Phase(r.phase.Load()),
	}
}

func rejectReason(err error) uint8 {
	switch {
	case errors.Is(err, render.ErrUnknownEffect):
		return RejectUnknownEffect
	case errors.Is(err, render.ErrZoneRange):
		return RejectZoneRange
	case errors.Is(err, actor.ErrSaturated):
		return RejectSaturated
	case errors.Is(err, actor.ErrNotRunning):
		return RejectNotRunning
	default:
		return RejectMalformed
	}
}

// activeByte encodes an effect id, 0xFF for idle.
func activeByte(id int) uint8 {
	if id < 0 {
		return 0xFF
	}
	return uint8(id)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
