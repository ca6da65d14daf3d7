package actor

import (
	"fmt"
	"math"
)

// Kind tags a Command.
type Kind uint8

// Command kinds. Values below 0x80 are commands; 0x80 and above are
// reserved for bus notifications and are rejected by Validate.
const (
	KindSetEffect     Kind = 0x00 // P1 = effect id
	KindSetParam      Kind = 0x01 // P1 = Param, P2 = value
	KindSetZoneEffect Kind = 0x10 // P1 = zone, P2 = effect id
	KindSetZoneMode   Kind = 0x11 // P1 = 0 off, 1 on
	KindNarrative     Kind = 0x20 // P1 = NarrativeOp, P4 = float32 bits for set-tension
	KindShutdown      Kind = 0x60
	KindHealthCheck   Kind = 0x61
	kindEventBase     Kind = 0x80
)

func (k Kind) String() string {
	switch k {
	case KindSetEffect:
		return "set_effect"
	case KindSetParam:
		return "set_param"
	case KindSetZoneEffect:
		return "set_zone_effect"
	case KindSetZoneMode:
		return "set_zone_mode"
	case KindNarrative:
		return "narrative"
	case KindHealthCheck:
		return "health_check"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(0x%02x)", uint8(k))
	}
}

// Param selects the parameter written by KindSetParam.
type Param uint8

const (
	ParamBrightness Param = iota
	ParamSpeed
	ParamIntensity
	ParamSaturation
	ParamComplexity
	ParamVariation
	ParamHue
	numParams
)

func (p Param) String() string {
	switch p {
	case ParamBrightness:
		return "brightness"
	case ParamSpeed:
		return "speed"
	case ParamIntensity:
		return "intensity"
	case ParamSaturation:
		return "saturation"
	case ParamComplexity:
		return "complexity"
	case ParamVariation:
		return "variation"
	case ParamHue:
		return "hue"
	default:
		return fmt.Sprintf("param(%d)", uint8(p))
	}
}

// ParseParam maps a parameter name to its id.
func ParseParam(name string) (Param, bool) {
	for p := Param(0); p < numParams; p++ {
		if p.String() == name {
			return p, true
		}
	}
	return 0, false
}

// NarrativeOp is the sub-command of KindNarrative.
type NarrativeOp uint8

const (
	NarrativeSetTension NarrativeOp = iota
	NarrativeClearTension
	NarrativeEnable
	NarrativeDisable
	NarrativeAdvance
	numNarrativeOps
)

// MaxZones bounds zone indices carried by zone commands.
const MaxZones = 8

// ZoneEffectNone in P2 of a zone effect command returns the zone to idle.
const ZoneEffectNone uint8 = 0xFF

// Command is a fixed-size control-plane record. It is always copied by
// value into queues.
type Command struct {
	Kind      Kind
	P1        uint8
	P2        uint8
	P3        uint8
	P4        uint32
	Timestamp uint32 // milliseconds, producer's clock
	_         uint32
}

// SetEffect selects effect id.
func SetEffect(id uint8) Command {
	return Command{Kind: KindSetEffect, P1: id}
}

// SetParam writes value into p.
func SetParam(p Param, value uint8) Command {
	return Command{Kind: KindSetParam, P1: uint8(p), P2: value}
}

// SetZoneEffect assigns effect id to zone.
func SetZoneEffect(zone, id uint8) Command {
	return Command{Kind: KindSetZoneEffect, P1: zone, P2: id}
}

// ClearZoneEffect removes the effect from zone.
func ClearZoneEffect(zone uint8) Command {
	return Command{Kind: KindSetZoneEffect, P1: zone, P2: ZoneEffectNone}
}

// SetZoneMode toggles zone composition.
func SetZoneMode(on bool) Command {
	c := Command{Kind: KindSetZoneMode}
	if on {
		c.P1 = 1
	}
	return c
}

// SetTension overrides narrative tension with v in [0,1].
func SetTension(v float32) Command {
	return Command{Kind: KindNarrative, P1: uint8(NarrativeSetTension), P4: math.Float32bits(v)}
}

// ClearTension removes a tension override.
func ClearTension() Command {
	return Command{Kind: KindNarrative, P1: uint8(NarrativeClearTension)}
}

// NarrativeControl builds a narrative command without payload.
func NarrativeControl(op NarrativeOp) Command {
	return Command{Kind: KindNarrative, P1: uint8(op)}
}

// Shutdown asks a unit to leave its dispatch loop.
func Shutdown() Command {
	return Command{Kind: KindShutdown}
}

// Tension decodes the P4 payload of a set-tension command.
func (c Command) Tension() float32 {
	return math.Float32frombits(c.P4)
}

// Validate checks the command is well formed. It does not check that
// referenced effects exist; that is the receiver's registry concern.
func (c Command) Validate() error {
	switch c.Kind {
	case KindSetEffect, KindHealthCheck, KindShutdown:
		return nil
	case KindSetParam:
		if Param(c.P1) >= numParams {
			return fmt.Errorf("%w: unknown param %d", ErrMalformedCommand, c.P1)
		}
	case KindSetZoneEffect:
		if c.P1 >= MaxZones {
			return fmt.Errorf("%w: zone %d out of range", ErrMalformedCommand, c.P1)
		}
	case KindSetZoneMode:
		if c.P1 > 1 {
			return fmt.Errorf("%w: zone mode %d", ErrMalformedCommand, c.P1)
		}
	case KindNarrative:
		op := NarrativeOp(c.P1)
		if op >= numNarrativeOps {
			return fmt.Errorf("%w: narrative op %d", ErrMalformedCommand, c.P1)
		}
		if op == NarrativeSetTension {
			v := c.Tension()
			if math.IsNaN(float64(v)) || v < 0 || v > 1 {
				return fmt.Errorf("%w: tension %v outside [0,1]", ErrMalformedCommand, v)
			}
		}
	default:
		if c.Kind >= kindEventBase {
			return fmt.Errorf("%w: %s is a notification, not a command", ErrMalformedCommand, c.Kind)
		}
		return fmt.Errorf("%w: %s", ErrMalformedCommand, c.Kind)
	}
	return nil
}
