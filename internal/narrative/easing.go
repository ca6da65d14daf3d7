package narrative

import (
	"fmt"
	"math"
)

// Curve maps a phase fraction t in [0,1] onto [0,1]. Every curve maps 0 to
// 0 and 1 to 1.
type Curve uint8

const (
	Linear Curve = iota
	InQuad
	OutQuad
	InOutQuad
	InCubic
	OutCubic
	InOutCubic
	InSine
	OutSine
	InOutSine
	numCurves
)

var curveNames = [numCurves]string{
	"linear",
	"in_quad", "out_quad", "in_out_quad",
	"in_cubic", "out_cubic", "in_out_cubic",
	"in_sine", "out_sine", "in_out_sine",
}

func (c Curve) String() string {
	if c < numCurves {
		return curveNames[c]
	}
	return fmt.Sprintf("curve(%d)", uint8(c))
}

// ParseCurve resolves a curve name.
func ParseCurve(name string) (Curve, error) {
	for i, n := range curveNames {
		if n == name {
			return Curve(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCurve, name)
}

// MarshalText implements encoding.TextMarshaler.
func (c Curve) MarshalText() ([]byte, error) {
	if c >= numCurves {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCurve, uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Curve) UnmarshalText(b []byte) error {
	v, err := ParseCurve(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Ease evaluates c at t, clamping t to [0,1].
func Ease(c Curve, t float64) float64 {
	t = clamp01(t)
	switch c {
	case InQuad:
		return t * t
	case OutQuad:
		return t * (2 - t)
	case InOutQuad:
		if t < 0.5 {
			return 2 * t * t
		}
		return -1 + (4-2*t)*t
	case InCubic:
		return t * t * t
	case OutCubic:
		u := t - 1
		return u*u*u + 1
	case InOutCubic:
		if t < 0.5 {
			return 4 * t * t * t
		}
		u := 2*t - 2
		return 0.5*u*u*u + 1
	case InSine:
		return 1 - math.Cos(t*math.Pi/2)
	case OutSine:
		return math.Sin(t * math.Pi / 2)
	case InOutSine:
		return -(math.Cos(math.Pi*t) - 1) / 2
	default:
		return t
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
