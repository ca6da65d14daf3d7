package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

var (
	ErrInvalidConfig      = errors.New("actor: invalid unit config")
	ErrInvalidCore        = errors.New("actor: invalid core")
	ErrDuplicateUnit      = errors.New("actor: duplicate unit name")
	ErrUnknownUnit        = errors.New("actor: unknown unit handle")
	ErrDependencyOrder    = errors.New("actor: dependency must be registered first")
	ErrAlreadyStarted     = errors.New("actor: already started")
	ErrNotRunning         = errors.New("actor: runtime not running")
	ErrContextCreation    = errors.New("actor: execution context creation failed")
	ErrUnitInit           = errors.New("actor: unit initialization failed")
	ErrStopTimeout        = errors.New("actor: unit did not stop in time")
	ErrRegistrationClosed = errors.New("actor: registration closed after start")
)

const tracerName = "github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"

// MetricsRecorder observes unit lifecycle events.
type MetricsRecorder interface {
	ObserveUnitStart(unit string, d time.Duration, err error)
	ObserveUnitStop(unit string, d time.Duration, err error)
}

// Handle is an opaque reference to a registered unit: an arena index
// tagged with the id of the runtime that issued it. Units are never
// removed, so an index is never reused. The zero Handle is invalid.
type Handle struct {
	rt  uint32
	idx uint32
}

// Valid reports whether h was issued by some runtime.
func (h Handle) Valid() bool { return h.idx != 0 }

var runtimeIDs atomic.Uint32

type runtimeState int32

const (
	rtIdle runtimeState = iota
	rtRunning
	rtStopping
	rtStopped
)

// Runtime hosts execution units. Units are started in registration order
// and stopped in reverse.
type Runtime struct {
	id      uint32
	log     logging.Logger
	tracer  trace.Tracer
	metrics MetricsRecorder
	quantum time.Duration
	numCPU  int

	onDegraded func(unit string, err error)

	mu      sync.Mutex
	units   []*runner
	names   map[string]struct{}
	started []*runner

	state atomic.Int32
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTracerProvider sets the provider used for lifecycle spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Runtime) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetricsRecorder wires a lifecycle metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithQuantum fixes the scheduler quantum instead of measuring it.
func WithQuantum(q time.Duration) Option {
	return func(r *Runtime) { r.quantum = q }
}

// WithDegradedHandler is invoked when an optional unit fails OnStart.
func WithDegradedHandler(fn func(unit string, err error)) Option {
	return func(r *Runtime) { r.onDegraded = fn }
}

// WithNumCPU overrides the CPU count used to validate core affinity.
func WithNumCPU(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.numCPU = n
		}
	}
}

// NewRuntime constructs an empty runtime.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		id:     runtimeIDs.Add(1),
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
		numCPU: runtime.NumCPU(),
		names:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.quantum <= 0 {
		r.quantum = timectrl.MeasureQuantum(8)
	}
	return r
}

// Quantum returns the scheduler quantum used to round tick intervals.
func (r *Runtime) Quantum() time.Duration { return r.quantum }

// RegisterOption configures a single registration.
type RegisterOption func(*registration)

type registration struct {
	deps []Handle
}

// WithDependsOn declares that the unit consumes from deps. Each dependency
// must already be registered, which makes the unit start after and stop
// before them.
func WithDependsOn(deps ...Handle) RegisterOption {
	return func(r *registration) { r.deps = append(r.deps, deps...) }
}

// Register adds a unit. Units can only be registered before Start.
func (r *Runtime) Register(u Unit, cfg Config, opts ...RegisterOption) (Handle, error) {
	if u == nil {
		return Handle{}, fmt.Errorf("%w: nil unit", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if err := cfg.validate(r.numCPU); err != nil {
		return Handle{}, err
	}
	var reg registration
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if runtimeState(r.state.Load()) != rtIdle {
		return Handle{}, ErrRegistrationClosed
	}
	if _, dup := r.names[cfg.Name]; dup {
		return Handle{}, fmt.Errorf("%w: %s", ErrDuplicateUnit, cfg.Name)
	}
	for _, d := range reg.deps {
		if d.rt != r.id || d.idx == 0 || int(d.idx) > len(r.units) {
			return Handle{}, fmt.Errorf("%w: %s", ErrDependencyOrder, cfg.Name)
		}
	}

	q, err := NewChannel(cfg.QueueSize, cfg.PushTimeout)
	if err != nil {
		return Handle{}, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	ru := newRunner(u, cfg, q, timectrl.EffectivePeriod(cfg.TickInterval, r.quantum))
	r.units = append(r.units, ru)
	r.names[cfg.Name] = struct{}{}
	return Handle{rt: r.id, idx: uint32(len(r.units))}, nil
}

func (r *Runtime) lookup(h Handle) (*runner, error) {
	if h.rt != r.id || h.idx == 0 {
		return nil, ErrUnknownUnit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h.idx) > len(r.units) {
		return nil, ErrUnknownUnit
	}
	return r.units[h.idx-1], nil
}

// Start brings every unit up in registration order. Each unit reports
// composite readiness: its thread was created and pinned AND its OnStart
// succeeded. A required unit that fails either step halts startup: units
// already running are stopped in reverse order and the error is returned.
// An optional unit that fails OnStart is marked degraded and skipped.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(rtIdle), int32(rtRunning)) {
		return ErrAlreadyStarted
	}

	ctx, span := r.tracer.Start(ctx, "runtime.start")
	defer span.End()

	r.mu.Lock()
	units := append([]*runner(nil), r.units...)
	r.mu.Unlock()

	for _, u := range units {
		err := r.startUnit(ctx, u)
		if err == nil {
			r.mu.Lock()
			r.started = append(r.started, u)
			r.mu.Unlock()
			continue
		}

		if u.cfg.Optional && errors.Is(err, ErrUnitInit) {
			u.setState(StateDegraded)
			r.log.Warn(ctx, "optional unit degraded",
				logging.Unit(u.cfg.Name),
				logging.Err(err),
			)
			if r.onDegraded != nil {
				r.onDegraded(u.cfg.Name, err)
			}
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error(ctx, "unit failed to start; halting",
			logging.Unit(u.cfg.Name),
			logging.Err(err),
		)
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		stopErr := r.stopStarted(stopCtx)
		cancel()
		r.state.Store(int32(rtStopped))
		return errors.Join(err, stopErr)
	}

	r.log.Info(ctx, "runtime started",
		logging.Int("units", len(units)),
		logging.Duration("quantum", r.quantum),
	)
	return nil
}

func (r *Runtime) startUnit(ctx context.Context, u *runner) error {
	ctx, span := r.tracer.Start(ctx, "unit.start", trace.WithAttributes(
		attribute.String("unit", u.cfg.Name),
		attribute.Int("core", u.cfg.Core),
		attribute.Int("priority", u.cfg.Priority),
		attribute.String("mode", u.cfg.Mode().String()),
	))
	defer span.End()

	begin := time.Now()
	err := u.start(ctx, logging.ForUnit(ctx, r.log, u.cfg.Name))
	if r.metrics != nil {
		r.metrics.ObserveUnitStart(u.cfg.Name, time.Since(begin), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if h := u.health(); h.PriorityErr != nil {
		r.log.Warn(ctx, "unit priority not applied",
			logging.Unit(u.cfg.Name),
			logging.Int("priority", u.cfg.Priority),
			logging.Err(h.PriorityErr),
		)
	}
	return nil
}

// Stop shuts every started unit down in reverse start order. Shutdown is
// cooperative: each unit leaves its loop at the next dispatch point. If
// ctx expires while a unit is still finishing, ErrStopTimeout is reported
// for it and the remaining units are still asked to stop. Stop after Stop
// is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(rtRunning), int32(rtStopping)) {
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "runtime.stop")
	defer span.End()

	err := r.stopStarted(ctx)
	r.state.Store(int32(rtStopped))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.log.Info(ctx, "runtime stopped", logging.Err(err))
	return err
}

func (r *Runtime) stopStarted(ctx context.Context) error {
	r.mu.Lock()
	started := append([]*runner(nil), r.started...)
	r.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		u := started[i]
		begin := time.Now()
		err := u.stop(ctx)
		if r.metrics != nil {
			r.metrics.ObserveUnitStop(u.cfg.Name, time.Since(begin), err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until the unit's dispatch loop has exited or ctx is done.
func (r *Runtime) Wait(ctx context.Context, h Handle) error {
	u, err := r.lookup(h)
	if err != nil {
		return err
	}
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send validates cmd and pushes it onto the unit's queue.
func (r *Runtime) Send(h Handle, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	u, err := r.lookup(h)
	if err != nil {
		return err
	}
	switch u.State() {
	case StateRunning, StateStarting, StateRegistered:
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, u.cfg.Name, u.State())
	}
	return u.queue.Push(cmd)
}

// Health returns the status of one unit.
func (r *Runtime) Health(h Handle) (Health, error) {
	u, err := r.lookup(h)
	if err != nil {
		return Health{}, err
	}
	return u.health(), nil
}

// Units returns the status of every unit in registration order.
func (r *Runtime) Units() []Health {
	r.mu.Lock()
	units := append([]*runner(nil), r.units...)
	r.mu.Unlock()

	out := make([]Health, 0, len(units))
	for _, u := range units {
		out = append(out, u.health())
	}
	return out
}
