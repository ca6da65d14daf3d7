// Package dither quantises the 8.8 fixed point working buffer to 8-bit
// output. Two techniques are available and may be combined:
//
//   - Spatial: a 4x4 Bayer threshold matrix indexed by output position.
//     Stateless, identical input gives identical output every frame.
//   - Temporal: a per-channel rotating origin advanced once per frame
//     selects one of four threshold levels for each position. The output
//     time-averages to the true value at the cost of frame-to-frame
//     variance.
//
// With both enabled the temporal phase supplies the two coarse threshold
// bits and the Bayer cell the four fine bits of one 64-level threshold.
// With neither enabled values are rounded to nearest.
package dither

import (
	"errors"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

// ErrSizeMismatch is returned when input and output buffers differ in length
// from the stage size.
var ErrSizeMismatch = errors.New("dither: buffer size mismatch")

// bayer4 is the classic 4x4 ordered dither matrix.
var bayer4 = [4][4]uint8{
	{0, 8, 2, 10},
	{12, 4, 14, 6},
	{3, 11, 1, 9},
	{15, 7, 13, 5},
}

// temporalPhases is the size of the temporal threshold table.
const temporalPhases = 4

// Policy selects the quantisation technique.
type Policy struct {
	Spatial  bool `yaml:"spatial"`
	Temporal bool `yaml:"temporal"`
	// StaticDelta suspends temporal dithering for a frame whose mean
	// absolute per-channel change against the previous frame is below
	// this value (8.8 units). Zero disables static-scene detection.
	StaticDelta uint16 `yaml:"static_delta"`
}

// DefaultPolicy is temporal-only dithering without static-scene gating.
func DefaultPolicy() Policy {
	return Policy{Temporal: true}
}

// Stats is a point-in-time view of stage counters.
type Stats struct {
	Frames       uint64
	StaticFrames uint64
}

// Stage holds the per-strip dither state. It is owned by the render
// pipeline and must not be shared between goroutines.
type Stage struct {
	policy Policy
	size   int

	origin [3]uint8
	prev   []pixel.RGB16
	primed bool

	frames       uint64
	staticFrames uint64
}

// NewStage allocates the state for a strip of n pixels.
func NewStage(n int, policy Policy) *Stage {
	s := &Stage{
		policy: policy,
		size:   n,
		// channels start one phase apart so grey levels do not pulse
		// in lockstep
		origin: [3]uint8{0, 1, 2},
	}
	if policy.StaticDelta > 0 {
		s.prev = make([]pixel.RGB16, n)
	}
	return s
}

// Policy returns the active policy.
func (s *Stage) Policy() Policy { return s.policy }

// Stats returns counters for the stage.
func (s *Stage) Stats() Stats {
	return Stats{Frames: s.frames, StaticFrames: s.staticFrames}
}

// Apply quantises in into out and advances the temporal origin.
func (s *Stage) Apply(in []pixel.RGB16, out []pixel.RGB8) error {
	if len(in) != s.size || len(out) != s.size {
		return ErrSizeMismatch
	}

	temporal := s.policy.Temporal
	if temporal && s.policy.StaticDelta > 0 {
		if s.primed && meanDelta(in, s.prev) < uint32(s.policy.StaticDelta) {
			temporal = false
			s.staticFrames++
		}
		copy(s.prev, in)
		s.primed = true
	}

	spatial := s.policy.Spatial
	for i := range in {
		px := in[i]
		out[i] = pixel.RGB8{
			R: quantize(px.R, s.threshold(0, i, spatial, temporal)),
			G: quantize(px.G, s.threshold(1, i, spatial, temporal)),
			B: quantize(px.B, s.threshold(2, i, spatial, temporal)),
		}
	}

	for c := range s.origin {
		s.origin[c]++
	}
	s.frames++
	return nil
}

// threshold is a round-up level at a given resolution: the fractional byte
// of a value is right-shifted by shift and compared against level.
type threshold struct {
	level uint8
	shift uint8
	round bool
}

func (s *Stage) threshold(ch, i int, spatial, temporal bool) threshold {
	switch {
	case spatial && temporal:
		phase := (s.origin[ch] + uint8(i)) % temporalPhases
		return threshold{level: phase*16 + BayerAt(i), shift: 2}
	case spatial:
		return threshold{level: BayerAt(i), shift: 4}
	case temporal:
		return threshold{level: (s.origin[ch] + uint8(i)) % temporalPhases, shift: 6}
	default:
		return threshold{round: true}
	}
}

func quantize(v uint16, t threshold) uint8 {
	if v >= pixel.Full {
		return 255
	}
	base := uint8(v >> 8)
	frac := uint8(v)
	if t.round {
		if frac >= 0x80 {
			return base + 1
		}
		return base
	}
	if frac>>t.shift > t.level {
		return base + 1
	}
	return base
}

// BayerAt returns the spatial threshold (0..15) at strip position i.
func BayerAt(i int) uint8 {
	return bayer4[i%4][(i/4)%4]
}

func meanDelta(a, b []pixel.RGB16) uint32 {
	if len(a) == 0 {
		return 0
	}
	var sum uint64
	for i := range a {
		sum += absDiff(a[i].R, b[i].R)
		sum += absDiff(a[i].G, b[i].G)
		sum += absDiff(a[i].B, b[i].B)
	}
	return uint32(sum / uint64(3*len(a)))
}

func absDiff(x, y uint16) uint64 {
	if x > y {
		return uint64(x - y)
	}
	return uint64(y - x)
}
