package show

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
)

var (
	ErrInvalidScript = errors.New("show: invalid script")
	ErrUnknownEffect = errors.New("show: unknown effect")
)

// Cue is one timed step of a script. Exactly one action field is set.
type Cue struct {
	At time.Duration `yaml:"at"`

	Effect   string   `yaml:"effect,omitempty"`
	Param    string   `yaml:"param,omitempty"`
	Value    int      `yaml:"value,omitempty"`
	Zone     *int     `yaml:"zone,omitempty"`
	ZoneMode *bool    `yaml:"zone_mode,omitempty"`
	Tension  *float64 `yaml:"tension,omitempty"`
	// Narrative is one of enable, disable, advance, clear_tension.
	Narrative string `yaml:"narrative,omitempty"`
}

// Script is a named cue list.
type Script struct {
	Name string `yaml:"name"`
	// Loop restarts the script after Length.
	Loop   bool          `yaml:"loop"`
	Length time.Duration `yaml:"length"`
	Cues   []Cue         `yaml:"cues"`
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("show: read %s: %w", path, err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("show: decode: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Validate checks cue timing and that each cue carries one action.
func (s Script) Validate() error {
	var errs []error
	for i, c := range s.Cues {
		if c.At < 0 {
			errs = append(errs, fmt.Errorf("%w: cue %d at negative offset", ErrInvalidScript, i))
		}
		if s.Length > 0 && c.At > s.Length {
			errs = append(errs, fmt.Errorf("%w: cue %d at %s beyond length %s", ErrInvalidScript, i, c.At, s.Length))
		}
		if n := c.actions(); n != 1 {
			errs = append(errs, fmt.Errorf("%w: cue %d has %d actions", ErrInvalidScript, i, n))
		}
	}
	if s.Loop && s.Length <= 0 {
		errs = append(errs, fmt.Errorf("%w: looping script needs a length", ErrInvalidScript))
	}
	return errors.Join(errs...)
}

func (c Cue) actions() int {
	n := 0
	if c.Effect != "" {
		n++
	}
	if c.Param != "" {
		n++
	}
	if c.ZoneMode != nil {
		n++
	}
	if c.Tension != nil {
		n++
	}
	if c.Narrative != "" {
		n++
	}
	return n
}

// EffectResolver maps effect names to registry ids.
type EffectResolver func(name string) (uint8, bool)

// Compile turns c into the command it stands for.
func (c Cue) Compile(resolve EffectResolver) (actor.Command, error) {
	switch {
	case c.Effect != "":
		id, ok := resolve(c.Effect)
		if !ok {
			return actor.Command{}, fmt.Errorf("%w: %q", ErrUnknownEffect, c.Effect)
		}
		if c.Zone != nil {
			if *c.Zone < 0 || *c.Zone >= actor.MaxZones {
				return actor.Command{}, fmt.Errorf("%w: zone %d", ErrInvalidScript, *c.Zone)
			}
			return actor.SetZoneEffect(uint8(*c.Zone), id), nil
		}
		return actor.SetEffect(id), nil
	case c.Param != "":
		p, ok := actor.ParseParam(c.Param)
		if !ok {
			return actor.Command{}, fmt.Errorf("%w: unknown param %q", ErrInvalidScript, c.Param)
		}
		if c.Value < 0 || c.Value > 255 {
			return actor.Command{}, fmt.Errorf("%w: %s value %d outside 0..255", ErrInvalidScript, c.Param, c.Value)
		}
		return actor.SetParam(p, uint8(c.Value)), nil
	case c.ZoneMode != nil:
		return actor.SetZoneMode(*c.ZoneMode), nil
	case c.Tension != nil:
		v := *c.Tension
		if math.IsNaN(v) || v < 0 || v > 1 {
			return actor.Command{}, fmt.Errorf("%w: tension %v outside [0,1]", ErrInvalidScript, v)
		}
		return actor.SetTension(float32(v)), nil
	case c.Narrative != "":
		switch c.Narrative {
		case "enable":
			return actor.NarrativeControl(actor.NarrativeEnable), nil
		case "disable":
			return actor.NarrativeControl(actor.NarrativeDisable), nil
		case "advance":
			return actor.NarrativeControl(actor.NarrativeAdvance), nil
		case "clear_tension":
			return actor.ClearTension(), nil
		}
		return actor.Command{}, fmt.Errorf("%w: narrative op %q", ErrInvalidScript, c.Narrative)
	}
	return actor.Command{}, fmt.Errorf("%w: empty cue", ErrInvalidScript)
}

// compiledCue is a cue ready to send.
type compiledCue struct {
	at  time.Duration
	cmd actor.Command
}

func (s Script) compile(resolve EffectResolver) ([]compiledCue, error) {
	out := make([]compiledCue, 0, len(s.Cues))
	var errs []error
	for i, c := range s.Cues {
		cmd, err := c.Compile(resolve)
		if err != nil {
			errs = append(errs, fmt.Errorf("cue %d: %w", i, err))
			continue
		}
		out = append(out, compiledCue{at: c.At, cmd: cmd})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
