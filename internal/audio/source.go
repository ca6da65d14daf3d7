package audio

import (
	"errors"
	"math"
)

// ErrInvalidSource is returned for a source without a usable sample rate.
var ErrInvalidSource = errors.New("audio: invalid source")

// Source supplies mono samples in [-1,1]. Read fills buf and returns the
// number of samples written; io.EOF ends the stream.
type Source interface {
	SampleRate() int
	Read(buf []float32) (int, error)
}

// ToneSource is a deterministic synthetic source: a sum of sine tones whose
// amplitude is re-triggered on every beat and decays exponentially between
// beats.
type ToneSource struct {
	Rate      int
	Tones     []float64
	BPM       float64
	Amplitude float64
	// Tau is the beat envelope time constant in seconds.
	Tau float64

	n uint64
}

// NewToneSource returns a source with two tones pulsing at bpm.
func NewToneSource(rate int, bpm float64) *ToneSource {
	return &ToneSource{
		Rate:      rate,
		Tones:     []float64{110, 880},
		BPM:       bpm,
		Amplitude: 0.8,
		Tau:       0.08,
	}
}

// SampleRate implements Source.
func (s *ToneSource) SampleRate() int { return s.Rate }

// Read implements Source. It never fails.
func (s *ToneSource) Read(buf []float32) (int, error) {
	if s.Rate <= 0 {
		return 0, ErrInvalidSource
	}
	rate := float64(s.Rate)
	var beatLen float64
	if s.BPM > 0 {
		beatLen = 60 / s.BPM
	}
	gain := s.Amplitude
	if len(s.Tones) > 0 {
		gain /= float64(len(s.Tones))
	}
	for i := range buf {
		t := float64(s.n) / rate
		env := 1.0
		if beatLen > 0 {
			env = math.Exp(-math.Mod(t, beatLen) / s.Tau)
		}
		var v float64
		for _, f := range s.Tones {
			v += math.Sin(2 * math.Pi * f * t)
		}
		buf[i] = float32(v * gain * env)
		s.n++
	}
	return len(buf), nil
}
