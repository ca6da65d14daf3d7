package show

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// Config selects the script played by the director.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Script  string        `yaml:"script"`
	Tick    time.Duration `yaml:"tick"`
}

// DefaultConfig ticks at 50 Hz with no script.
func DefaultConfig() Config {
	return Config{Tick: 20 * time.Millisecond}
}

// SendFunc delivers a command to the renderer.
type SendFunc func(actor.Command) error

// DirectorStats counts director activity.
type DirectorStats struct {
	Sent   uint64
	Failed uint64
	Loops  uint64
}

// Director is a periodic unit that plays a script. Cues are scheduled
// relative to the start of each pass and turned into renderer commands as
// they come due.
type Director struct {
	actor.BaseUnit

	script Script
	cues   []compiledCue
	send   SendFunc
	clock  timectrl.Clock
	sched  CueScheduler
	logger logging.Logger

	pending []string

	sent   atomic.Uint64
	failed atomic.Uint64
	loops  atomic.Uint64
}

// NewDirector compiles script against resolve.
func NewDirector(script Script, resolve EffectResolver, send SendFunc, clock timectrl.Clock, logger logging.Logger) (*Director, error) {
	if err := script.Validate(); err != nil {
		return nil, err
	}
	cues, err := script.compile(resolve)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Director{
		script: script,
		cues:   cues,
		send:   send,
		clock:  clock,
		sched:  NewCueScheduler(clock),
		logger: logger,
	}, nil
}

// OnStart schedules the first pass.
func (d *Director) OnStart(ctx context.Context) error {
	d.schedulePass(d.clock.Now())
	d.logger.Info(ctx, "show started",
		logging.String("script", d.script.Name),
		logging.Int("cues", len(d.cues)),
		logging.Bool("loop", d.script.Loop),
	)
	return nil
}

func (d *Director) schedulePass(start time.Time) {
	d.pending = d.pending[:0]
	for _, c := range d.cues {
		cmd := c.cmd
		d.pending = append(d.pending, d.sched.Schedule(start.Add(c.at), func() { d.fire(cmd) }))
	}
	if d.script.Loop {
		next := start.Add(d.script.Length)
		d.pending = append(d.pending, d.sched.Schedule(next, func() {
			d.loops.Add(1)
			d.schedulePass(next)
		}))
	}
}

func (d *Director) fire(cmd actor.Command) {
	if err := d.send(cmd); err != nil {
		if d.failed.Add(1) == 1 {
			d.logger.Warn(context.Background(), "show cue rejected",
				logging.String("kind", cmd.Kind.String()),
				logging.Err(err),
			)
		}
		return
	}
	d.sent.Add(1)
}

// OnTick fires due cues.
func (d *Director) OnTick() {
	d.sched.RunDue()
}

// OnStop cancels what is left of the pass.
func (d *Director) OnStop() {
	for _, id := range d.pending {
		d.sched.Cancel(id)
	}
	st := d.Stats()
	d.logger.Info(context.Background(), "show stopped",
		logging.Uint64("sent", st.Sent),
		logging.Uint64("failed", st.Failed),
		logging.Uint64("loops", st.Loops),
	)
}

// Stats returns director counters.
func (d *Director) Stats() DirectorStats {
	return DirectorStats{Sent: d.sent.Load(), Failed: d.failed.Load(), Loops: d.loops.Load()}
}
