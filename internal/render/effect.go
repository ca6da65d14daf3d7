package render

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/audio"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
)

// MaxEffects is the size of the effect registry.
const MaxEffects = 64

var (
	ErrUnknownEffect  = errors.New("render: unknown effect")
	ErrRegistrySealed = errors.New("render: registry sealed")
	ErrDuplicateID    = errors.New("render: effect id in use")
	ErrNilEffect      = errors.New("render: nil effect")
)

// Capabilities are optional effect traits.
type Capabilities uint8

const (
	// SkipConditioning sends the effect output straight to transmission,
	// bypassing exposure, clamp, gamma, dither and device correction.
	SkipConditioning Capabilities = 1 << iota
	// UsesAudio marks effects that read Context.Audio.
	UsesAudio
	// UsesTension marks effects that read Context.Tension.
	UsesTension
)

var capNames = [...]string{"skip_conditioning", "audio", "tension"}

// String lists the set traits, "-" when there are none.
func (c Capabilities) String() string {
	var parts []string
	for i, name := range capNames {
		if c&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// Effect writes one frame into buf. Render runs on the render goroutine
// inside the frame budget; it must not block or allocate.
type Effect interface {
	Name() string
	Render(ctx *Context, buf []pixel.RGB16)
}

// Capable is implemented by effects that declare capabilities.
type Capable interface {
	Capabilities() Capabilities
}

// Activator is implemented by effects that reset state when selected.
type Activator interface {
	Activate()
}

// Params are the user controls passed to every effect.
type Params struct {
	Brightness uint8
	Speed      uint8
	Intensity  uint8
	Saturation uint8
	Complexity uint8
	Variation  uint8
	Hue        uint8
}

// DefaultParams are mid-range controls at full brightness.
func DefaultParams() Params {
	return Params{
		Brightness: 255,
		Speed:      128,
		Intensity:  128,
		Saturation: 255,
		Complexity: 128,
		Variation:  0,
		Hue:        0,
	}
}

// Set writes parameter p.
func (ps *Params) Set(p actor.Param, v uint8) bool {
	switch p {
	case actor.ParamBrightness:
		ps.Brightness = v
	case actor.ParamSpeed:
		ps.Speed = v
	case actor.ParamIntensity:
		ps.Intensity = v
	case actor.ParamSaturation:
		ps.Saturation = v
	case actor.ParamComplexity:
		ps.Complexity = v
	case actor.ParamVariation:
		ps.Variation = v
	case actor.ParamHue:
		ps.Hue = v
	default:
		return false
	}
	return true
}

// Context is everything an effect may read for one frame.
type Context struct {
	Delta   time.Duration
	Elapsed time.Duration
	Frame   uint64
	// Center is the index of the strip centre inside the buffer handed to
	// Render; centre-origin effects radiate from it.
	Center int
	// Zone is the zone being rendered, or -1 for the whole strip.
	Zone int

	Tension    float64
	HasTension bool

	Audio          audio.Features
	HasAudio       bool
	AudioFreshness snapshot.Freshness

	Params Params
}

type entry struct {
	effect Effect
	caps   Capabilities
}

// Registry is a fixed table of effects indexed by id. It is populated
// before the engine starts and sealed when the pipeline is built.
type Registry struct {
	entries [MaxEffects]entry
	count   int
	sealed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds e under id.
func (r *Registry) Register(id uint8, e Effect) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if e == nil {
		return ErrNilEffect
	}
	if int(id) >= MaxEffects {
		return fmt.Errorf("%w: id %d out of range", ErrUnknownEffect, id)
	}
	if r.entries[id].effect != nil {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicateID, id, r.entries[id].effect.Name())
	}
	var caps Capabilities
	if c, ok := e.(Capable); ok {
		caps = c.Capabilities()
	}
	r.entries[id] = entry{effect: e, caps: caps}
	r.count++
	return nil
}

// Seal freezes the registry.
func (r *Registry) Seal() { r.sealed = true }

// Sealed reports whether the registry is frozen.
func (r *Registry) Sealed() bool { return r.sealed }

// Len is the number of registered effects.
func (r *Registry) Len() int { return r.count }

// Has reports whether id names a registered effect.
func (r *Registry) Has(id uint8) bool {
	return int(id) < MaxEffects && r.entries[id].effect != nil
}

// Lookup returns the effect under id.
func (r *Registry) Lookup(id uint8) (Effect, Capabilities, error) {
	if !r.Has(id) {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownEffect, id)
	}
	e := r.entries[id]
	return e.effect, e.caps, nil
}

// Info describes a registered effect.
type Info struct {
	ID   uint8
	Name string
	Caps Capabilities
}

// List returns the registered effects in id order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, r.count)
	for i := range r.entries {
		if e := r.entries[i]; e.effect != nil {
			out = append(out, Info{ID: uint8(i), Name: e.effect.Name(), Caps: e.caps})
		}
	}
	return out
}

// Find returns the id of the effect called name.
func (r *Registry) Find(name string) (uint8, bool) {
	for i := range r.entries {
		if e := r.entries[i]; e.effect != nil && e.effect.Name() == name {
			return uint8(i), true
		}
	}
	return 0, false
}
