// Package output holds the LED output drivers. Drivers receive the frame
// already partitioned into segments and block until the transfer is done.
package output

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

var (
	ErrInvalidLayout  = errors.New("output: invalid layout")
	ErrNotInitialized = errors.New("output: driver not initialized")
	ErrSegmentLength  = errors.New("output: segment length mismatch")
)

// Layout describes the physical strips. Segments[i] is the LED count of
// strip i; strips are laid out back to back in the frame buffer.
type Layout struct {
	Segments []int `yaml:"segments"`
}

// Total is the LED count across all segments.
func (l Layout) Total() int {
	n := 0
	for _, s := range l.Segments {
		n += s
	}
	return n
}

// Validate checks that every segment is non-empty.
func (l Layout) Validate() error {
	if len(l.Segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidLayout)
	}
	for i, s := range l.Segments {
		if s <= 0 {
			return fmt.Errorf("%w: segment %d has %d leds", ErrInvalidLayout, i, s)
		}
	}
	return nil
}

// Driver transmits frames. Show must not retain the segment slices.
type Driver interface {
	Initialize(Layout) error
	Show(segments [][]pixel.RGB8) error
	Close() error
}

// Stats counts driver activity.
type Stats struct {
	Frames uint64
	Pixels uint64
	Errors uint64
}

// Null accepts frames and discards them. It keeps enough state to let tests
// inspect the last transfer.
type Null struct {
	layout Layout
	frames atomic.Uint64
	pixels atomic.Uint64
	errs   atomic.Uint64
	// Last holds a copy of the last transmitted frame when Capture is set.
	Capture bool
	Last    []pixel.RGB8
}

// NewNull returns a discarding driver.
func NewNull() *Null { return &Null{} }

// Initialize implements Driver.
func (d *Null) Initialize(l Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	d.layout = l
	if d.Capture {
		d.Last = make([]pixel.RGB8, l.Total())
	}
	return nil
}

// Show implements Driver.
func (d *Null) Show(segments [][]pixel.RGB8) error {
	if d.layout.Segments == nil {
		d.errs.Add(1)
		return ErrNotInitialized
	}
	if err := checkSegments(d.layout, segments); err != nil {
		d.errs.Add(1)
		return err
	}
	off := 0
	for _, seg := range segments {
		if d.Capture {
			copy(d.Last[off:], seg)
		}
		off += len(seg)
	}
	d.frames.Add(1)
	d.pixels.Add(uint64(off))
	return nil
}

// Close implements Driver.
func (d *Null) Close() error { return nil }

// Stats returns transfer counters.
func (d *Null) Stats() Stats {
	return Stats{Frames: d.frames.Load(), Pixels: d.pixels.Load(), Errors: d.errs.Load()}
}

// DefaultWireTime is the per-LED transfer time of a WS2812 style strip.
const DefaultWireTime = 30 * time.Microsecond

// Simulated blocks for the time the wire transfer would take. Segments are
// assumed to be driven in parallel, so the longest one bounds the wait.
type Simulated struct {
	Null
	PerLED time.Duration
	sleep  func(time.Duration)
}

// NewSimulated returns a driver that sleeps perLED for every LED of the
// longest segment.
func NewSimulated(perLED time.Duration) *Simulated {
	if perLED <= 0 {
		perLED = DefaultWireTime
	}
	return &Simulated{PerLED: perLED, sleep: time.Sleep}
}

// Show implements Driver.
func (d *Simulated) Show(segments [][]pixel.RGB8) error {
	if err := d.Null.Show(segments); err != nil {
		return err
	}
	longest := 0
	for _, seg := range segments {
		longest = max(longest, len(seg))
	}
	d.sleep(time.Duration(longest) * d.PerLED)
	return nil
}

// TransferTime is the simulated wire time of one frame.
func (d *Simulated) TransferTime() time.Duration {
	longest := 0
	for _, s := range d.layout.Segments {
		longest = max(longest, s)
	}
	return time.Duration(longest) * d.PerLED
}

func checkSegments(l Layout, segments [][]pixel.RGB8) error {
	if len(segments) != len(l.Segments) {
		return fmt.Errorf("%w: got %d segments, layout has %d", ErrSegmentLength, len(segments), len(l.Segments))
	}
	for i, seg := range segments {
		if len(seg) != l.Segments[i] {
			return ErrSegmentLength
		}
	}
	return nil
}
