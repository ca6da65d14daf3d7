package actor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrSaturated is returned when a push times out on a full queue.
	ErrSaturated = errors.New("actor: queue saturated")
	// ErrMalformedCommand marks a command rejected by Validate.
	ErrMalformedCommand = errors.New("actor: malformed command")
	// ErrInvalidCapacity is returned for a non-positive queue size.
	ErrInvalidCapacity = errors.New("actor: queue capacity must be positive")
)

// DefaultPushTimeout bounds how long Push waits on a full queue.
const DefaultPushTimeout = 10 * time.Millisecond

// ChannelStats is a point-in-time view of channel counters.
type ChannelStats struct {
	Accepted  uint64
	Saturated uint64
	Received  uint64
	HighWater int
}

// Channel is a bounded FIFO of commands. Pushes block for at most the
// configured timeout and never drop silently.
type Channel struct {
	ch      chan Command
	timeout time.Duration

	accepted  atomic.Uint64
	saturated atomic.Uint64
	received  atomic.Uint64
	highWater atomic.Int64
}

// NewChannel constructs a channel of the given capacity. A non-positive
// timeout selects DefaultPushTimeout.
func NewChannel(capacity int, timeout time.Duration) (*Channel, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	return &Channel{ch: make(chan Command, capacity), timeout: timeout}, nil
}

// Push enqueues cmd, waiting up to the channel timeout for space.
func (c *Channel) Push(cmd Command) error {
	return c.PushTimeout(cmd, c.timeout)
}

// PushTimeout enqueues cmd, waiting up to d for space.
func (c *Channel) PushTimeout(cmd Command, d time.Duration) error {
	select {
	case c.ch <- cmd:
		c.noteAccepted()
		return nil
	default:
	}
	if d <= 0 {
		c.saturated.Add(1)
		return ErrSaturated
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case c.ch <- cmd:
		c.noteAccepted()
		return nil
	case <-timer.C:
		c.saturated.Add(1)
		return ErrSaturated
	}
}

// PushContext is Push that also gives up when ctx is done.
func (c *Channel) PushContext(ctx context.Context, cmd Command) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.ch <- cmd:
		c.noteAccepted()
		return nil
	case <-timer.C:
		c.saturated.Add(1)
		return ErrSaturated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues cmd only if space is available right now.
func (c *Channel) TryPush(cmd Command) error {
	return c.PushTimeout(cmd, 0)
}

// TryRecv dequeues one command without blocking.
func (c *Channel) TryRecv() (Command, bool) {
	select {
	case cmd := <-c.ch:
		c.received.Add(1)
		return cmd, true
	default:
		return Command{}, false
	}
}

// Len returns the number of queued commands.
func (c *Channel) Len() int { return len(c.ch) }

// Cap returns the queue capacity.
func (c *Channel) Cap() int { return cap(c.ch) }

// Utilization returns occupancy as a percentage of capacity.
func (c *Channel) Utilization() int {
	return len(c.ch) * 100 / cap(c.ch)
}

// Stats returns the channel counters.
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Accepted:  c.accepted.Load(),
		Saturated: c.saturated.Load(),
		Received:  c.received.Load(),
		HighWater: int(c.highWater.Load()),
	}
}

// recv exposes the underlying channel to the dispatch loop.
func (c *Channel) recv() <-chan Command { return c.ch }

func (c *Channel) noteAccepted() {
	c.accepted.Add(1)
	n := int64(len(c.ch))
	for {
		hw := c.highWater.Load()
		if n <= hw || c.highWater.CompareAndSwap(hw, n) {
			return
		}
	}
}
