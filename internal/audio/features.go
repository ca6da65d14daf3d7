// Package audio produces the per-block audio features consumed by the
// renderer through a snapshot exchange.
package audio

import (
	"math"
	"time"
)

// NumBands is the number of Goertzel bands in a Features record.
const NumBands = 8

// Features is one analysed audio block.
type Features struct {
	// Energy is the block RMS, nominally in [0,1].
	Energy float32
	// Bands are normalised band magnitudes in [0,1].
	Bands [NumBands]float32
	// BPM is the tracked tempo, 0 until two onsets have been seen.
	BPM float32
	// BeatPhase is the position inside the current beat, in [0,1).
	BeatPhase float32
	// Beat is set on the block that contained an onset.
	Beat bool
	// Block counts analysed blocks.
	Block uint64
}

// DefaultDecay is the energy time constant used when extrapolating.
const DefaultDecay = 250 * time.Millisecond

// Extrapolator returns a function that advances stale features by the
// elapsed time: the beat phase keeps turning at the last tempo and energy
// decays with time constant decay.
func Extrapolator(decay time.Duration) func(Features, time.Duration) Features {
	if decay <= 0 {
		decay = DefaultDecay
	}
	return func(f Features, elapsed time.Duration) Features {
		return Extrapolate(f, elapsed, decay)
	}
}

// Extrapolate advances f by elapsed.
func Extrapolate(f Features, elapsed, decay time.Duration) Features {
	if elapsed <= 0 {
		return f
	}
	sec := elapsed.Seconds()
	if f.BPM > 0 {
		p := float64(f.BeatPhase) + sec*float64(f.BPM)/60
		f.BeatPhase = float32(p - math.Floor(p))
	}
	k := float32(math.Exp(-sec / decay.Seconds()))
	f.Energy *= k
	for i := range f.Bands {
		f.Bands[i] *= k
	}
	f.Beat = false
	return f
}
