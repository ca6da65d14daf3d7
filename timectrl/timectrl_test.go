package timectrl

import (
	"testing"
	"time"
)

func TestManualClockSetAndAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	newNow := start.Add(42 * time.Second)
	c.Set(newNow)
	if got := c.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}

	c.Advance(8 * time.Millisecond)
	if got, want := c.Now(), newNow.Add(8*time.Millisecond); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestManualClockAutoAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.SetAutoAdvance(time.Millisecond)

	first := c.Now()
	second := c.Now()
	if !first.Equal(start) {
		t.Fatalf("first Now() = %v, want %v", first, start)
	}
	if got := second.Sub(first); got != time.Millisecond {
		t.Fatalf("auto-advance step = %v, want 1ms", got)
	}
}

func TestEffectivePeriod(t *testing.T) {
	cases := []struct {
		interval, quantum, want time.Duration
	}{
		{8 * time.Millisecond, time.Millisecond, 8 * time.Millisecond},
		{8 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
		{2500 * time.Microsecond, time.Millisecond, 3 * time.Millisecond},
		{20 * time.Millisecond, 0, 20 * time.Millisecond},
		{0, time.Millisecond, 0},
	}
	for _, tc := range cases {
		if got := EffectivePeriod(tc.interval, tc.quantum); got != tc.want {
			t.Fatalf("EffectivePeriod(%v, %v) = %v, want %v", tc.interval, tc.quantum, got, tc.want)
		}
	}
}

func TestMeasureQuantumPositive(t *testing.T) {
	if q := MeasureQuantum(3); q < time.Microsecond {
		t.Fatalf("MeasureQuantum() = %v, want >= 1µs", q)
	}
}

func TestFramePacerAdvancesByPeriod(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	var slept time.Duration
	p := NewFramePacer(10*time.Millisecond, 0)
	p.now = c.Now
	p.sleep = func(d time.Duration) {
		slept += d
		c.Advance(d)
	}

	if late := p.Wait(); late {
		t.Fatalf("first Wait() reported late")
	}
	c.Advance(3 * time.Millisecond)
	if late := p.Wait(); late {
		t.Fatalf("second Wait() reported late")
	}
	if slept != 7*time.Millisecond {
		t.Fatalf("slept %v, want 7ms", slept)
	}
	if got, want := c.Now(), start.Add(10*time.Millisecond); !got.Equal(want) {
		t.Fatalf("clock after Wait = %v, want %v", got, want)
	}
}

func TestFramePacerReanchorsWhenLate(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	p := NewFramePacer(10*time.Millisecond, 0)
	p.now = c.Now
	p.sleep = c.Advance

	p.Wait()
	c.Advance(35 * time.Millisecond)
	if late := p.Wait(); !late {
		t.Fatalf("Wait() after 35ms stall = false, want true")
	}
	if p.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1", p.Misses())
	}

	// Next deadline is one period after the re-anchor, not a burst.
	before := c.Now()
	p.Wait()
	if got := c.Now().Sub(before); got != 10*time.Millisecond {
		t.Fatalf("wait after re-anchor = %v, want 10ms", got)
	}
}
