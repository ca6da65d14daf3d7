package actor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
)

const (
	// drainThreshold is the queue utilization (percent) above which a unit
	// drains a burst of commands before doing anything else.
	drainThreshold = 50
	// drainBurst bounds one drain.
	drainBurst = 8
)

// runner owns one unit's goroutine and dispatch loop.
type runner struct {
	cfg    Config
	unit   Unit
	queue  *Channel
	period time.Duration

	state    atomic.Int32
	shutdown atomic.Bool
	ready    chan error
	done     chan struct{}
	stopOnce sync.Once

	mu              sync.Mutex
	startErr        error
	priorityErr     error
	affinityApplied bool
	priorityApplied bool
	lastHealth      time.Time

	commands     atomic.Uint64
	ticks        atomic.Uint64
	drains       atomic.Uint64
	drained      atomic.Uint64
	healthChecks atomic.Uint64

	log logging.Logger
}

func newRunner(u Unit, cfg Config, q *Channel, period time.Duration) *runner {
	return &runner{
		cfg:    cfg,
		unit:   u,
		queue:  q,
		period: period,
		ready:  make(chan error, 1),
		done:   make(chan struct{}),
		log:    logging.Noop(),
	}
}

func (u *runner) State() State { return State(u.state.Load()) }

func (u *runner) setState(s State) { u.state.Store(int32(s)) }

// start launches the unit goroutine and waits for its composite readiness.
func (u *runner) start(ctx context.Context, log logging.Logger) error {
	if !u.state.CompareAndSwap(int32(StateRegistered), int32(StateStarting)) {
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, u.cfg.Name)
	}
	u.log = log
	go u.run(ctx)

	select {
	case err := <-u.ready:
		return err
	case <-ctx.Done():
		// The goroutine still reports into the buffered ready channel
		// and exits on the shutdown flag.
		u.shutdown.Store(true)
		return fmt.Errorf("%w: %s: %v", ErrContextCreation, u.cfg.Name, ctx.Err())
	}
}

func (u *runner) run(ctx context.Context) {
	defer close(u.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinThread(u.cfg.Core); err != nil {
		err = fmt.Errorf("%w: %s: pin to core %d: %v", ErrContextCreation, u.cfg.Name, u.cfg.Core, err)
		u.fail(StateFailed, err)
		return
	}
	prioErr := setThreadPriority(u.cfg.Priority)

	u.mu.Lock()
	u.affinityApplied = u.cfg.Core != AnyCore && pinSupported
	u.priorityApplied = prioErr == nil && u.cfg.Priority > 0 && pinSupported
	u.priorityErr = prioErr
	u.mu.Unlock()

	ctx = logging.ContextWithLogger(ctx, u.log)
	if err := u.unit.OnStart(ctx); err != nil {
		u.fail(StateFailed, fmt.Errorf("%w: %s: %w", ErrUnitInit, u.cfg.Name, err))
		return
	}
	if u.shutdown.Load() {
		u.setState(StateStopping)
	} else {
		u.setState(StateRunning)
	}
	u.ready <- nil

	u.log.Debug(ctx, "unit running",
		logging.String("mode", u.cfg.Mode().String()),
		logging.Duration("period", u.period),
	)
	u.loop()
	u.unit.OnStop()
	u.setState(StateStopped)
}

func (u *runner) fail(s State, err error) {
	u.mu.Lock()
	u.startErr = err
	u.mu.Unlock()
	u.setState(s)
	u.ready <- err
}

func (u *runner) loop() {
	if u.period <= 0 {
		u.loopSelfClocked()
		return
	}
	u.loopPeriodic()
}

// loopSelfClocked polls the queue and ticks immediately. The unit's OnTick
// is responsible for its own bounded wait.
func (u *runner) loopSelfClocked() {
	for !u.shutdown.Load() {
		if u.queue.Utilization() > drainThreshold {
			u.drain()
		} else if cmd, ok := u.queue.TryRecv(); ok {
			u.dispatch(cmd)
		}
		if u.shutdown.Load() {
			return
		}
		u.tick()
	}
}

// loopPeriodic waits on the queue until the next tick deadline. Commands
// arriving in between are handled without moving the deadline, so a busy
// queue cannot starve the tick. Consecutive ticks are at least one
// effective period apart.
func (u *runner) loopPeriodic() {
	timer := time.NewTimer(u.period)
	defer timer.Stop()
	next := time.Now().Add(u.period)

	for !u.shutdown.Load() {
		if u.queue.Utilization() > drainThreshold {
			u.drain()
			if u.shutdown.Load() {
				return
			}
		}

		wait := time.Until(next)
		if wait <= 0 {
			began := time.Now()
			u.tick()
			next = began.Add(u.period)
			continue
		}

		timer.Reset(wait)
		select {
		case cmd := <-u.queue.recv():
			timer.Stop()
			u.queue.received.Add(1)
			u.dispatch(cmd)
		case <-timer.C:
		}
	}
}

func (u *runner) drain() {
	u.drains.Add(1)
	for i := 0; i < drainBurst; i++ {
		cmd, ok := u.queue.TryRecv()
		if !ok {
			return
		}
		u.drained.Add(1)
		u.dispatch(cmd)
		if u.shutdown.Load() {
			return
		}
	}
}

func (u *runner) dispatch(cmd Command) {
	switch cmd.Kind {
	case KindShutdown:
		u.shutdown.Store(true)
		return
	case KindHealthCheck:
		u.healthChecks.Add(1)
		u.mu.Lock()
		u.lastHealth = time.Now()
		u.mu.Unlock()
		return
	}
	u.commands.Add(1)
	u.unit.OnCommand(cmd)
}

func (u *runner) tick() {
	u.ticks.Add(1)
	u.unit.OnTick()
}

// stop requests cooperative shutdown and waits for the loop to exit.
func (u *runner) stop(ctx context.Context) error {
	u.stopOnce.Do(func() {
		if u.State() == StateRunning {
			u.setState(StateStopping)
		}
		u.shutdown.Store(true)
		// Wake a unit blocked on its queue. A full queue wakes it anyway.
		_ = u.queue.TryPush(Shutdown())
	})
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrStopTimeout, u.cfg.Name)
	}
}

func (u *runner) health() Health {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Health{
		Name:            u.cfg.Name,
		State:           u.State(),
		Mode:            u.cfg.Mode(),
		Core:            u.cfg.Core,
		Priority:        u.cfg.Priority,
		EffectivePeriod: u.period,
		AffinityApplied: u.affinityApplied,
		PriorityApplied: u.priorityApplied,
		Err:             u.startErr,
		PriorityErr:     u.priorityErr,
		Metrics: Metrics{
			Commands:     u.commands.Load(),
			Ticks:        u.ticks.Load(),
			Drains:       u.drains.Load(),
			Drained:      u.drained.Load(),
			HealthChecks: u.healthChecks.Load(),
		},
		Queue:           u.queue.Stats(),
		QueueLen:        u.queue.Len(),
		QueueCap:        u.queue.Cap(),
		LastHealthCheck: u.lastHealth,
	}
}
