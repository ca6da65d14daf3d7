package render

import (
	"runtime"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/output"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
)

// PowerConfig is the supply budget used to scale down bright frames.
type PowerConfig struct {
	// MaxMilliamps is the supply limit; zero disables limiting.
	MaxMilliamps float64 `yaml:"max_milliamps"`
	// MilliampsPerChannel is the draw of one channel at full level.
	MilliampsPerChannel float64 `yaml:"milliamps_per_channel"`
	// IdleMilliampsPerLED is the quiescent draw of one LED.
	IdleMilliampsPerLED float64 `yaml:"idle_milliamps_per_led"`
}

// DefaultPower is a 5 V / 3 A supply feeding WS2812 LEDs.
func DefaultPower() PowerConfig {
	return PowerConfig{MaxMilliamps: 3000, MilliampsPerChannel: 20, IdleMilliampsPerLED: 1}
}

// transmitter owns the segment views of the output buffer and the driver.
type transmitter struct {
	drv      output.Driver
	segments [][]pixel.RGB8
	power    PowerConfig

	limited   uint64
	lastScale uint8
}

func newTransmitter(drv output.Driver, layout output.Layout, out []pixel.RGB8, power PowerConfig) *transmitter {
	t := &transmitter{drv: drv, power: power, lastScale: 255}
	off := 0
	for _, n := range layout.Segments {
		t.segments = append(t.segments, out[off:off+n:off+n])
		off += n
	}
	return t
}

// send applies global brightness then the power limit to out and hands the
// segments to the driver.
func (t *transmitter) send(out []pixel.RGB8, brightness uint8) error {
	if brightness < 255 {
		for i := range out {
			out[i] = out[i].Scale8(brightness)
		}
	}
	if s := t.powerScale(out); s < 255 {
		t.limited++
		for i := range out {
			out[i] = out[i].Scale8(s)
		}
		t.lastScale = s
	} else {
		t.lastScale = 255
	}

	runtime.Gosched()
	err := t.drv.Show(t.segments)
	runtime.Gosched()
	return err
}

// powerScale returns the factor that brings the estimated draw of out under
// the supply limit.
func (t *transmitter) powerScale(out []pixel.RGB8) uint8 {
	if t.power.MaxMilliamps <= 0 {
		return 255
	}
	var sum uint64
	for _, p := range out {
		sum += uint64(p.R) + uint64(p.G) + uint64(p.B)
	}
	idle := float64(len(out)) * t.power.IdleMilliampsPerLED
	active := float64(sum) * t.power.MilliampsPerChannel / 255
	if idle+active <= t.power.MaxMilliamps {
		return 255
	}
	avail := t.power.MaxMilliamps - idle
	if avail <= 0 {
		return 0
	}
	return uint8(avail / active * 255)
}
