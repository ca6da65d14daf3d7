package timectrl

import (
	"runtime"
	"sync"
	"time"
)

// Clock is the engine's source of wall-clock time. Units, the render
// pipeline and the narrative engine depend on this abstraction rather than
// on time.Now directly so tests can drive time deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock reads the monotonic wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManualClock constructs a clock pinned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time. If an auto-advance step is set, the
// clock moves forward by that step after each read.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// SetAutoAdvance makes every Now call advance the clock by step. Zero
// disables auto-advance.
func (c *ManualClock) SetAutoAdvance(step time.Duration) {
	c.mu.Lock()
	c.step = step
	c.mu.Unlock()
}

// EffectivePeriod reports the period a timer-driven loop actually achieves
// when the requested interval is not a multiple of the scheduler quantum:
// the interval rounded up to the next whole quantum.
func EffectivePeriod(interval, quantum time.Duration) time.Duration {
	if interval <= 0 || quantum <= 0 {
		return interval
	}
	n := (interval + quantum - 1) / quantum
	return n * quantum
}

// MeasureQuantum estimates timer granularity by issuing minimal sleeps and
// keeping the shortest observed wake-up latency.
func MeasureQuantum(samples int) time.Duration {
	if samples <= 0 {
		samples = 1
	}
	best := time.Duration(-1)
	for i := 0; i < samples; i++ {
		start := time.Now()
		time.Sleep(time.Microsecond)
		el := time.Since(start)
		if best < 0 || el < best {
			best = el
		}
	}
	if best < time.Microsecond {
		best = time.Microsecond
	}
	return best
}

// FramePacer paces a self-clocked loop against fixed frame deadlines. Wait
// sleeps for the coarse part of the remaining time and spins for the final
// slice so the deadline is hit with sub-quantum precision.
//
// A caller that falls more than one full period behind is re-anchored to
// now rather than allowed to burst through the missed deadlines.
type FramePacer struct {
	period time.Duration
	spin   time.Duration

	next   time.Time
	misses uint64

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewFramePacer constructs a pacer for the given period. spin is the slice
// of each wait that is busy-waited instead of slept; zero disables spinning.
func NewFramePacer(period, spin time.Duration) *FramePacer {
	if spin > period {
		spin = period
	}
	return &FramePacer{
		period: period,
		spin:   spin,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Period returns the configured frame period.
func (p *FramePacer) Period() time.Duration { return p.period }

// Misses returns how many times the pacer had to re-anchor.
func (p *FramePacer) Misses() uint64 { return p.misses }

// Wait blocks until the next frame deadline. It reports true when the
// caller was already late by more than a period.
func (p *FramePacer) Wait() bool {
	now := p.now()
	if p.next.IsZero() {
		p.next = now.Add(p.period)
		return false
	}

	if lag := now.Sub(p.next); lag > p.period {
		p.misses++
		p.next = now.Add(p.period)
		return true
	}

	if remaining := p.next.Sub(now); remaining > p.spin {
		p.sleep(remaining - p.spin)
	}
	for p.now().Before(p.next) {
		runtime.Gosched()
	}
	p.next = p.next.Add(p.period)
	return false
}

// Reset drops the current deadline anchor.
func (p *FramePacer) Reset() {
	p.next = time.Time{}
}
