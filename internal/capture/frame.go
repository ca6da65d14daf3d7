// Package capture taps the transmitted frame into a snapshot exchange and
// records it to a zstd stream.
package capture

import (
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
)

// MaxPixels bounds the captured frame size.
const MaxPixels = 1024

// Frame is a fixed-size copy of one transmitted frame.
type Frame struct {
	Count  uint16
	Pixels [MaxPixels]pixel.RGB8
}

// View returns the populated pixels.
func (f *Frame) View() []pixel.RGB8 { return f.Pixels[:f.Count] }

// Tap publishes frames into an exchange without allocating.
type Tap struct {
	w    *snapshot.Writer[Frame]
	src  []pixel.RGB8
	fill func(*Frame)
}

// NewTap returns a tap writing through w.
func NewTap(w *snapshot.Writer[Frame]) *Tap {
	t := &Tap{w: w}
	t.fill = t.copyInto
	return t
}

// Capture copies px, truncated to MaxPixels, into the exchange.
func (t *Tap) Capture(px []pixel.RGB8) uint64 {
	t.src = px
	seq := t.w.PublishFunc(t.fill)
	t.src = nil
	return seq
}

func (t *Tap) copyInto(f *Frame) {
	f.Count = uint16(copy(f.Pixels[:], t.src))
}
