// Package pixel defines the two colour formats that flow through the render
// pipeline: the 8.8 fixed point working format written by effects and the
// 8-bit output format sent to drivers.
package pixel

// Full is the 8.8 fixed point encoding of full intensity (255.0).
const Full uint16 = 0xFF00

// RGB16 is a linear colour in 8.8 fixed point per channel. The high byte is
// the 8-bit output level and the low byte is the fraction consumed by
// dithering. Values above Full are clamped by conditioning.
type RGB16 struct {
	R, G, B uint16
}

// RGB8 is a quantised output colour.
type RGB8 struct {
	R, G, B uint8
}

// From8 widens an 8-bit colour into the working format.
func From8(r, g, b uint8) RGB16 {
	return RGB16{R: uint16(r) << 8, G: uint16(g) << 8, B: uint16(b) << 8}
}

// Scale multiplies all channels by s/255.
func (p RGB16) Scale(s uint8) RGB16 {
	return RGB16{
		R: uint16(uint32(p.R) * uint32(s) / 255),
		G: uint16(uint32(p.G) * uint32(s) / 255),
		B: uint16(uint32(p.B) * uint32(s) / 255),
	}
}

// Truncate drops the fractional byte.
func (p RGB16) Truncate() RGB8 {
	return RGB8{R: uint8(clamp(p.R) >> 8), G: uint8(clamp(p.G) >> 8), B: uint8(clamp(p.B) >> 8)}
}

// Luma returns BT.601 luma of p in the same 8.8 scale.
func (p RGB16) Luma() uint16 {
	return uint16((77*uint32(p.R) + 150*uint32(p.G) + 29*uint32(p.B)) >> 8)
}

// Scale8 multiplies all channels by s/255 with rounding towards zero.
func (p RGB8) Scale8(s uint8) RGB8 {
	return RGB8{
		R: uint8(uint16(p.R) * uint16(s) / 255),
		G: uint8(uint16(p.G) * uint16(s) / 255),
		B: uint8(uint16(p.B) * uint16(s) / 255),
	}
}

// Fill sets every element of buf to c.
func Fill(buf []RGB16, c RGB16) {
	for i := range buf {
		buf[i] = c
	}
}

// HSV converts hue, saturation and value (all 0..255) into the working
// format using the six-sector integer conversion.
func HSV(h, s, v uint8) RGB16 {
	if s == 0 {
		return From8(v, v, v)
	}
	region := h / 43
	rem := uint16(h-region*43) * 6

	vv := uint16(v)
	p := (vv * uint16(255-s)) >> 8
	q := (vv * (255 - (uint16(s)*rem)>>8)) >> 8
	t := (vv * (255 - (uint16(s)*(255-rem))>>8)) >> 8

	var r, g, b uint16
	switch region {
	case 0:
		r, g, b = vv, t, p
	case 1:
		r, g, b = q, vv, p
	case 2:
		r, g, b = p, vv, t
	case 3:
		r, g, b = p, q, vv
	case 4:
		r, g, b = t, p, vv
	default:
		r, g, b = vv, p, q
	}
	return From8(uint8(r), uint8(g), uint8(b))
}

func clamp(v uint16) uint16 {
	if v > Full {
		return Full
	}
	return v
}
