package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
)

var ErrInvalidConfig = errors.New("audio: invalid config")

// Config tunes the analyser.
type Config struct {
	Enabled    bool          `yaml:"enabled"`
	SampleRate int           `yaml:"sample_rate"`
	BlockSize  int           `yaml:"block_size"`
	Bands      []float64     `yaml:"bands"`
	OnsetRatio float64       `yaml:"onset_ratio"`
	MinEnergy  float64       `yaml:"min_energy"`
	Refractory time.Duration `yaml:"refractory"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Decay      time.Duration `yaml:"decay"`
	// ToneBPM drives the synthetic source used when no capture device is
	// configured.
	ToneBPM float64 `yaml:"tone_bpm"`
}

// DefaultConfig analyses 32 ms blocks at 16 kHz.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		SampleRate: 16000,
		BlockSize:  512,
		Bands:      []float64{60, 120, 250, 500, 1000, 2000, 3500, 6000},
		OnsetRatio: 1.5,
		MinEnergy:  0.02,
		Refractory: 200 * time.Millisecond,
		StaleAfter: 100 * time.Millisecond,
		Decay:      DefaultDecay,
		ToneBPM:    120,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: sample_rate %d", ErrInvalidConfig, c.SampleRate))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: block_size %d", ErrInvalidConfig, c.BlockSize))
	}
	if len(c.Bands) != NumBands {
		errs = append(errs, fmt.Errorf("%w: need %d bands, got %d", ErrInvalidConfig, NumBands, len(c.Bands)))
	}
	for _, f := range c.Bands {
		if f <= 0 || (c.SampleRate > 0 && f >= float64(c.SampleRate)/2) {
			errs = append(errs, fmt.Errorf("%w: band %.1f Hz outside (0, nyquist)", ErrInvalidConfig, f))
		}
	}
	if c.OnsetRatio <= 1 {
		errs = append(errs, fmt.Errorf("%w: onset_ratio must exceed 1", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// BlockDuration is the audio time covered by one block.
func (c Config) BlockDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.BlockSize) * time.Second / time.Duration(c.SampleRate)
}

// Analyzer is a periodic unit that reads one block per tick, extracts
// features and publishes them.
type Analyzer struct {
	actor.BaseUnit

	cfg    Config
	src    Source
	out    *snapshot.Writer[Features]
	logger logging.Logger

	buf    []float32
	coeffs [NumBands]float64
	block  time.Duration

	slowEnergy float64
	lastOnset  uint64
	onsets     uint64
	bpm        float64
	phase      float64
	blocks     uint64
	eof        bool
}

// NewAnalyzer wires src to out.
func NewAnalyzer(cfg Config, src Source, out *snapshot.Writer[Features], logger logging.Logger) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || out == nil {
		return nil, fmt.Errorf("%w: nil source or writer", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.Noop()
	}
	a := &Analyzer{
		cfg:    cfg,
		src:    src,
		out:    out,
		logger: logger,
		buf:    make([]float32, cfg.BlockSize),
		block:  cfg.BlockDuration(),
	}
	for i, f := range cfg.Bands {
		a.coeffs[i] = 2 * math.Cos(2*math.Pi*f/float64(cfg.SampleRate))
	}
	return a, nil
}

// OnStart checks that the source matches the configured rate.
func (a *Analyzer) OnStart(ctx context.Context) error {
	if got := a.src.SampleRate(); got != a.cfg.SampleRate {
		return fmt.Errorf("%w: source rate %d, configured %d", ErrInvalidSource, got, a.cfg.SampleRate)
	}
	a.logger.Info(ctx, "audio analyser started",
		logging.Int("sample_rate", a.cfg.SampleRate),
		logging.Int("block_size", a.cfg.BlockSize),
		logging.Duration("block", a.block),
	)
	return nil
}

// OnTick reads and publishes one block.
func (a *Analyzer) OnTick() {
	if a.eof {
		return
	}
	n, err := a.src.Read(a.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			a.eof = true
			a.logger.Info(context.Background(), "audio source ended", logging.Uint64("blocks", a.blocks))
			return
		}
		a.logger.Warn(context.Background(), "audio read failed", logging.Err(err))
		return
	}
	if n == 0 {
		return
	}
	f := a.Process(a.buf[:n])
	a.out.Publish(f)
}

// Process analyses one block and advances the beat tracker.
func (a *Analyzer) Process(block []float32) Features {
	a.blocks++
	var f Features
	f.Block = a.blocks

	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	energy := math.Sqrt(sum / float64(len(block)))
	f.Energy = float32(energy)

	norm := 2 / float64(len(block))
	for i, c := range a.coeffs {
		f.Bands[i] = float32(clamp01(goertzel(block, c) * norm))
	}

	dur := time.Duration(len(block)) * time.Second / time.Duration(a.cfg.SampleRate)
	a.trackBeat(&f, energy, dur)
	return f
}

func (a *Analyzer) trackBeat(f *Features, energy float64, dur time.Duration) {
	if a.bpm > 0 {
		a.phase += dur.Seconds() * a.bpm / 60
		a.phase -= math.Floor(a.phase)
	}

	refractory := uint64(0)
	if a.block > 0 {
		refractory = uint64(a.cfg.Refractory / a.block)
	}
	onset := energy > a.cfg.MinEnergy &&
		energy > a.slowEnergy*a.cfg.OnsetRatio &&
		(a.onsets == 0 || a.blocks-a.lastOnset > refractory)

	if onset {
		if a.onsets > 0 {
			interval := float64(a.blocks-a.lastOnset) * dur.Seconds()
			if bpm := 60 / interval; bpm >= 40 && bpm <= 240 {
				if a.bpm == 0 {
					a.bpm = bpm
				} else {
					a.bpm += 0.3 * (bpm - a.bpm)
				}
			}
		}
		a.onsets++
		a.lastOnset = a.blocks
		a.phase = 0
		f.Beat = true
	}
	a.slowEnergy += 0.1 * (energy - a.slowEnergy)

	f.BPM = float32(a.bpm)
	f.BeatPhase = float32(a.phase)
}

// goertzel returns the magnitude of the component selected by coeff.
func goertzel(block []float32, coeff float64) float64 {
	var s1, s2 float64
	for _, x := range block {
		s := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s
	}
	p := s1*s1 + s2*s2 - coeff*s1*s2
	if p < 0 {
		return 0
	}
	return math.Sqrt(p)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
