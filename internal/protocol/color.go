package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
)

// HSBK is the LIFX color tuple: hue, saturation and brightness as full-range
// 16-bit values, plus a white-point temperature in kelvin.
//
// https://lan.developer.lifx.com/docs/field-types#color
type HSBK struct {
	Hue        uint16 `json:"hue"`
	Saturation uint16 `json:"saturation"`
	Brightness uint16 `json:"brightness"`
	Kelvin     uint16 `json:"kelvin"`
}

// KelvinMin and KelvinMax bound the white temperature range devices accept.
const (
	KelvinMin = 2500
	KelvinMax = 9000
)

const encodedHSBKLength = 8

var hexColorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// IsHexColor reports whether s is a strict #RRGGBB color string.
func IsHexColor(s string) bool {
	return hexColorRe.MatchString(s)
}

// encode writes the color into dst, which must hold at least 8 bytes.
func (c HSBK) encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], c.Hue)
	binary.LittleEndian.PutUint16(dst[2:4], c.Saturation)
	binary.LittleEndian.PutUint16(dst[4:6], c.Brightness)
	binary.LittleEndian.PutUint16(dst[6:8], c.Kelvin)
}

func (c *HSBK) decode(b []byte) {
	c.Hue = binary.LittleEndian.Uint16(b[0:2])
	c.Saturation = binary.LittleEndian.Uint16(b[2:4])
	c.Brightness = binary.LittleEndian.Uint16(b[4:6])
	c.Kelvin = binary.LittleEndian.Uint16(b[6:8])
}

// HSBKFromHex converts a #RRGGBB string into an HSBK color. Kelvin is left
// at zero to mark the value as a color rather than a white point.
func HSBKFromHex(s string) (HSBK, error) {
	if !IsHexColor(s) {
		return HSBK{}, fmt.Errorf("protocol: invalid hex color %q", s)
	}
	var r, g, b uint8
	fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b)

	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	delta := max - min

	var h float64
	switch {
	case delta == 0:
		h = 0
	case max == rf:
		h = 60 * math.Mod((gf-bf)/delta, 6)
	case max == gf:
		h = 60 * ((bf-rf)/delta + 2)
	default:
		h = 60 * ((rf-gf)/delta + 4)
	}
	if h < 0 {
		h += 360
	}

	var sat float64
	if max > 0 {
		sat = delta / max
	}

	return HSBK{
		Hue:        uint16(math.Round(h / 360 * 65535)),
		Saturation: uint16(math.Round(sat * 65535)),
		Brightness: uint16(math.Round(max * 65535)),
		Kelvin:     0,
	}, nil
}

// HSBKFromKelvin builds a white HSBK at the given temperature, clamped to
// the device range, with brightness given as a 0-100 percentage.
func HSBKFromKelvin(kelvin int, brightnessPct int) HSBK {
	if kelvin < KelvinMin {
		kelvin = KelvinMin
	}
	if kelvin > KelvinMax {
		kelvin = KelvinMax
	}
	if brightnessPct < 0 {
		brightnessPct = 0
	}
	if brightnessPct > 100 {
		brightnessPct = 100
	}
	return HSBK{
		Brightness: uint16(math.Round(float64(brightnessPct) / 100 * 65535)),
		Kelvin:     uint16(kelvin),
	}
}

// kelvinRGB approximates a white point as RGB, warm to cool, for UI display
// of desaturated colors.
var kelvinRGB = []struct {
	upTo    uint16
	r, g, b uint8
}{
	{3000, 255, 180, 107},
	{4000, 255, 209, 163},
	{5000, 255, 228, 206},
	{6500, 255, 249, 253},
	{math.MaxUint16, 201, 226, 255},
}

// RGB converts the color back to 8-bit RGB. Desaturated colors with a
// kelvin value fall back to a five-bucket warm-to-cool table scaled by
// brightness.
func (c HSBK) RGB() (r, g, b uint8) {
	if c.Saturation == 0 && c.Kelvin > 0 {
		v := float64(c.Brightness) / 65535
		for _, bucket := range kelvinRGB {
			if c.Kelvin <= bucket.upTo {
				return uint8(math.Round(float64(bucket.r) * v)),
					uint8(math.Round(float64(bucket.g) * v)),
					uint8(math.Round(float64(bucket.b) * v))
			}
		}
	}

	h := float64(c.Hue) / 65535 * 360
	s := float64(c.Saturation) / 65535
	v := float64(c.Brightness) / 65535

	chroma := v * s
	x := chroma * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - chroma

	var rf, gf, bf float64
	switch {
	case h < 60:
		rf, gf, bf = chroma, x, 0
	case h < 120:
		rf, gf, bf = x, chroma, 0
	case h < 180:
		rf, gf, bf = 0, chroma, x
	case h < 240:
		rf, gf, bf = 0, x, chroma
	case h < 300:
		rf, gf, bf = x, 0, chroma
	default:
		rf, gf, bf = chroma, 0, x
	}

	return uint8(math.Round((rf + m) * 255)),
		uint8(math.Round((gf + m) * 255)),
		uint8(math.Round((bf + m) * 255))
}

// Hex renders the color as a #rrggbb string.
func (c HSBK) Hex() string {
	r, g, b := c.RGB()
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

// BrightnessPercent returns the brightness as a rounded 0-100 percentage.
func (c HSBK) BrightnessPercent() int {
	return int(math.Round(float64(c.Brightness) / 65535 * 100))
}
