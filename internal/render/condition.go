package render

import (
	"math"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/dither"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

// GammaLUTSize covers the 8.8 range at 1/16 step resolution.
const GammaLUTSize = 4096

const exposureStride = 4

// ExposureConfig drives automatic exposure.
type ExposureConfig struct {
	Enabled bool `yaml:"enabled"`
	// Target is the desired mean luma, 0..255.
	Target uint8 `yaml:"target"`
	// MinGain and MaxGain bound the applied gain.
	MinGain float64 `yaml:"min_gain"`
	MaxGain float64 `yaml:"max_gain"`
	// Smoothing is the per-frame EMA weight of a new gain estimate.
	Smoothing float64 `yaml:"smoothing"`
}

// DefaultExposure is disabled with a mid-grey target.
func DefaultExposure() ExposureConfig {
	return ExposureConfig{Target: 110, MinGain: 0.5, MaxGain: 2, Smoothing: 0.1}
}

// Correction is a per-channel output scale.
type Correction struct {
	R uint8 `yaml:"r"`
	G uint8 `yaml:"g"`
	B uint8 `yaml:"b"`
}

// DefaultCorrection is the typical WS2812 blue trim.
func DefaultCorrection() Correction { return Correction{R: 255, G: 255, B: 242} }

func (c Correction) identity() bool { return c.R == 255 && c.G == 255 && c.B == 255 }

// conditioner runs the ordered colour stages over a frame: exposure, V
// clamp, gamma, dither and device correction.
type conditioner struct {
	exposure ExposureConfig
	gain     float64
	vmax     uint16
	gamma    [GammaLUTSize]uint16
	useGamma bool
	dither   *dither.Stage
	corr     Correction
	whole    [1]Zone
}

func newConditioner(n int, exp ExposureConfig, maxBrightness uint8, gamma float64, pol dither.Policy, corr Correction) *conditioner {
	c := &conditioner{
		exposure: exp,
		gain:     1,
		vmax:     uint16(maxBrightness) << 8,
		dither:   dither.NewStage(n, pol),
		corr:     corr,
	}
	if gamma > 0 && gamma != 1 {
		c.useGamma = true
		buildGamma(&c.gamma, gamma)
	}
	return c
}

func buildGamma(lut *[GammaLUTSize]uint16, g float64) {
	for i := range lut {
		x := float64(i<<4) / float64(pixel.Full)
		if x > 1 {
			x = 1
		}
		lut[i] = uint16(math.Round(math.Pow(x, g) * float64(pixel.Full)))
	}
}

// apply conditions in and writes the quantised result to out. When spans
// is non-empty only those ranges are conditioned; out outside them is left
// for the caller to overwrite.
func (c *conditioner) apply(in []pixel.RGB16, out []pixel.RGB8, spans []Zone) error {
	if len(spans) == 0 {
		c.whole[0] = Zone{End: len(in)}
		spans = c.whole[:]
	}
	if c.exposure.Enabled {
		c.expose(in, spans)
	}
	for _, z := range spans {
		seg := in[z.Start:z.End]
		if c.vmax < pixel.Full {
			clampV(seg, c.vmax)
		}
		if c.useGamma {
			for i := range seg {
				p := &seg[i]
				p.R = c.gamma[min(p.R, pixel.Full)>>4]
				p.G = c.gamma[min(p.G, pixel.Full)>>4]
				p.B = c.gamma[min(p.B, pixel.Full)>>4]
			}
		}
	}
	if err := c.dither.Apply(in, out); err != nil {
		return err
	}
	if c.corr.identity() {
		return nil
	}
	for _, z := range spans {
		for i := z.Start; i < z.End; i++ {
			o := &out[i]
			o.R = scale8(o.R, c.corr.R)
			o.G = scale8(o.G, c.corr.G)
			o.B = scale8(o.B, c.corr.B)
		}
	}
	return nil
}

// expose samples BT.601 luma every exposureStride pixels of spans and
// moves the gain towards target/mean.
func (c *conditioner) expose(in []pixel.RGB16, spans []Zone) {
	var sum uint64
	var n uint64
	for _, z := range spans {
		for i := z.Start; i < z.End; i += exposureStride {
			sum += uint64(in[i].Luma())
			n++
		}
	}
	if n == 0 {
		return
	}
	mean := float64(sum) / float64(n) / 256
	want := c.exposure.MaxGain
	if mean > 0 {
		want = float64(c.exposure.Target) / mean
	}
	want = math.Max(c.exposure.MinGain, math.Min(c.exposure.MaxGain, want))
	c.gain += c.exposure.Smoothing * (want - c.gain)

	g := uint32(c.gain * 256)
	if g == 256 {
		return
	}
	for _, z := range spans {
		for i := z.Start; i < z.End; i++ {
			p := &in[i]
			p.R = sat16(uint32(p.R) * g >> 8)
			p.G = sat16(uint32(p.G) * g >> 8)
			p.B = sat16(uint32(p.B) * g >> 8)
		}
	}
}

// clampV limits the HSV value of each pixel to vmax, preserving hue.
func clampV(in []pixel.RGB16, vmax uint16) {
	for i := range in {
		p := &in[i]
		m := max(p.R, p.G, p.B)
		if m <= vmax {
			continue
		}
		p.R = uint16(uint32(p.R) * uint32(vmax) / uint32(m))
		p.G = uint16(uint32(p.G) * uint32(vmax) / uint32(m))
		p.B = uint16(uint32(p.B) * uint32(vmax) / uint32(m))
	}
}

func sat16(v uint32) uint16 {
	if v > uint32(pixel.Full) {
		return pixel.Full
	}
	return uint16(v)
}

func scale8(v, s uint8) uint8 {
	return uint8(uint16(v) * uint16(s) / 255)
}
