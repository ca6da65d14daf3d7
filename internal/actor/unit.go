package actor

import (
	"context"
	"fmt"
	"time"
)

// Unit is the behaviour hosted by the runtime. All methods run on the
// unit's own goroutine; nothing else touches the unit's private state.
type Unit interface {
	// OnStart runs once before the dispatch loop. A non-nil error means
	// the unit did not come up; OnStop is not called in that case.
	OnStart(ctx context.Context) error
	// OnCommand handles one command from the unit's queue.
	OnCommand(cmd Command)
	// OnTick is the periodic callback. Self-clocked units perform their
	// own bounded wait inside it.
	OnTick()
	// OnStop runs once after the dispatch loop exits.
	OnStop()
}

// BaseUnit provides no-op implementations for embedding.
type BaseUnit struct{}

func (BaseUnit) OnStart(context.Context) error { return nil }
func (BaseUnit) OnCommand(Command)             {}
func (BaseUnit) OnTick()                       {}
func (BaseUnit) OnStop()                       {}

// Priority bounds.
const (
	MinPriority = 0
	MaxPriority = 19
)

// AnyCore leaves the unit's thread unpinned.
const AnyCore = -1

// DefaultQueueSize is used when Config.QueueSize is zero.
const DefaultQueueSize = 16

// Config fixes a unit's scheduling properties for its lifetime.
type Config struct {
	Name string
	// Core pins the unit's thread to one CPU. AnyCore leaves it unpinned.
	Core int
	// Priority in [MinPriority, MaxPriority]; higher runs first.
	Priority int
	// QueueSize is the inbound queue capacity.
	QueueSize int
	// TickInterval > 0 selects periodic-tick dispatch. Zero selects
	// self-clocked dispatch.
	TickInterval time.Duration
	// PushTimeout bounds how long senders wait on a full queue.
	PushTimeout time.Duration
	// Optional units may fail OnStart without halting the runtime.
	Optional bool
}

// Mode returns the dispatch mode implied by TickInterval.
func (c Config) Mode() Mode {
	if c.TickInterval > 0 {
		return Periodic
	}
	return SelfClocked
}

func (c *Config) applyDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PushTimeout == 0 {
		c.PushTimeout = DefaultPushTimeout
	}
}

func (c Config) validate(numCPU int) error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: %s: queue size %d", ErrInvalidConfig, c.Name, c.QueueSize)
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("%w: %s: tick interval %v", ErrInvalidConfig, c.Name, c.TickInterval)
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return fmt.Errorf("%w: %s: priority %d", ErrInvalidConfig, c.Name, c.Priority)
	}
	if c.Core != AnyCore && (c.Core < 0 || c.Core >= numCPU) {
		return fmt.Errorf("%w: %s: core %d of %d", ErrInvalidCore, c.Name, c.Core, numCPU)
	}
	return nil
}

// Mode is a unit's dispatch mode.
type Mode uint8

const (
	// Periodic units block on their queue for up to the tick interval and
	// tick on timeout.
	Periodic Mode = iota
	// SelfClocked units poll their queue and tick immediately.
	SelfClocked
)

func (m Mode) String() string {
	if m == Periodic {
		return "periodic"
	}
	return "self-clocked"
}

// State is a unit's lifecycle state.
type State int32

const (
	StateRegistered State = iota
	StateStarting
	StateRunning
	StateDegraded
	StateFailed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Metrics counts dispatch activity of one unit.
type Metrics struct {
	Commands     uint64
	Ticks        uint64
	Drains       uint64
	Drained      uint64
	HealthChecks uint64
}

// Health is the read-only status of one unit.
type Health struct {
	Name            string
	State           State
	Mode            Mode
	Core            int
	Priority        int
	EffectivePeriod time.Duration
	AffinityApplied bool
	PriorityApplied bool
	// Err holds the start failure, if any.
	Err error
	// PriorityErr records why the priority could not be applied.
	PriorityErr error
	Metrics  Metrics
	Queue    ChannelStats
	QueueLen int
	QueueCap int
	// LastHealthCheck is when the unit last answered a health check.
	LastHealthCheck time.Time
}
