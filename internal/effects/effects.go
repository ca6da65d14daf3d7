// Package effects holds the reference effects shipped with the engine.
package effects

import (
	"math"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/render"
)

// Effect ids of the built-in set.
const (
	IDSolid uint8 = iota
	IDGradient
	IDPulse
	IDBeatMeter
	IDChase
)

// RegisterDefaults installs the built-in set into reg.
func RegisterDefaults(reg *render.Registry) error {
	defaults := []struct {
		id uint8
		e  render.Effect
	}{
		{IDSolid, Solid{}},
		{IDGradient, Gradient{}},
		{IDPulse, Pulse{}},
		{IDBeatMeter, &BeatMeter{}},
		{IDChase, &Chase{}},
	}
	for _, d := range defaults {
		if err := reg.Register(d.id, d.e); err != nil {
			return err
		}
	}
	return nil
}

// Solid fills the strip with the hue parameter.
type Solid struct{}

func (Solid) Name() string { return "solid" }

func (Solid) Render(ctx *render.Context, buf []pixel.RGB16) {
	pixel.Fill(buf, pixel.HSV(ctx.Params.Hue, ctx.Params.Saturation, 255))
}

// Gradient is a hue ramp that scrolls with elapsed time.
type Gradient struct{}

func (Gradient) Name() string { return "gradient" }

func (Gradient) Render(ctx *render.Context, buf []pixel.RGB16) {
	if len(buf) == 0 {
		return
	}
	// speed 128 scrolls one full hue turn every two seconds
	shift := uint8(ctx.Elapsed.Milliseconds() * int64(ctx.Params.Speed) / 1000)
	for i := range buf {
		h := ctx.Params.Hue + uint8(i*256/len(buf)) + shift
		buf[i] = pixel.HSV(h, ctx.Params.Saturation, 255)
	}
}

// Pulse breathes the whole strip with narrative tension. Without tension
// it falls back to a slow sine.
type Pulse struct{}

func (Pulse) Name() string { return "pulse" }

func (Pulse) Capabilities() render.Capabilities { return render.UsesTension }

func (Pulse) Render(ctx *render.Context, buf []pixel.RGB16) {
	level := ctx.Tension
	if !ctx.HasTension {
		level = 0.5 + 0.5*math.Sin(ctx.Elapsed.Seconds()*math.Pi)
	}
	c := pixel.HSV(ctx.Params.Hue, ctx.Params.Saturation, 255)
	s := uint32(level * 256)
	pixel.Fill(buf, pixel.RGB16{
		R: uint16(uint32(c.R) * s >> 8),
		G: uint16(uint32(c.G) * s >> 8),
		B: uint16(uint32(c.B) * s >> 8),
	})
}

// BeatMeter draws audio energy as a bar growing out from the centre and
// flashes on beats.
type BeatMeter struct {
	flash float64
}

func (*BeatMeter) Name() string { return "beat_meter" }

func (*BeatMeter) Capabilities() render.Capabilities { return render.UsesAudio }

// Activate clears the flash envelope.
func (b *BeatMeter) Activate() { b.flash = 0 }

func (b *BeatMeter) Render(ctx *render.Context, buf []pixel.RGB16) {
	pixel.Fill(buf, pixel.RGB16{})
	if !ctx.HasAudio || len(buf) == 0 {
		return
	}
	if ctx.Audio.Beat {
		b.flash = 1
	} else {
		b.flash *= math.Exp(-ctx.Delta.Seconds() / 0.15)
	}

	energy := math.Min(float64(ctx.Audio.Energy)*2, 1)
	center := min(max(ctx.Center, 0), len(buf)-1)
	reach := int(energy * float64(max(center, len(buf)-1-center)))
	c := pixel.HSV(ctx.Params.Hue, ctx.Params.Saturation, uint8(155+100*b.flash))
	for d := 0; d <= reach; d++ {
		if i := center + d; i < len(buf) {
			buf[i] = c
		}
		if i := center - d; i >= 0 {
			buf[i] = c
		}
	}
}

// Chase sends a comet out from the centre towards both ends.
type Chase struct {
	pos float64
}

func (*Chase) Name() string { return "chase" }

// Activate restarts the comet at the centre.
func (c *Chase) Activate() { c.pos = 0 }

func (c *Chase) Render(ctx *render.Context, buf []pixel.RGB16) {
	if len(buf) == 0 {
		return
	}
	center := min(max(ctx.Center, 0), len(buf)-1)
	span := float64(max(center, len(buf)-1-center) + 1)

	// speed 128 crosses the half strip in one second
	c.pos += ctx.Delta.Seconds() * float64(ctx.Params.Speed) / 128 * span
	c.pos = math.Mod(c.pos, span)

	tail := 4 + float64(ctx.Params.Complexity)/16
	hue := ctx.Params.Hue
	for i := range buf {
		d := math.Abs(float64(i - center))
		behind := c.pos - d
		var v float64
		if behind >= 0 && behind < tail {
			v = 1 - behind/tail
		}
		buf[i] = pixel.HSV(hue, ctx.Params.Saturation, uint8(v*255))
	}
}
