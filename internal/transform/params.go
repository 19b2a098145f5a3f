package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InvertMode selects the inversion pass.
type InvertMode int

const (
	InvertNone InvertMode = iota
	InvertFull
	// InvertBrightnessOnly inverts HSL lightness and keeps hue.
	InvertBrightnessOnly
)

func (m InvertMode) String() string {
	switch m {
	case InvertFull:
		return "full"
	case InvertBrightnessOnly:
		return "brightness"
	default:
		return "none"
	}
}

// ParseInvertMode accepts the names above or their numeric values.
func ParseInvertMode(s string) (InvertMode, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "off":
		return InvertNone, nil
	case "full":
		return InvertFull, nil
	case "brightness", "brightness_only", "brightness-only":
		return InvertBrightnessOnly, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return InvertNone, fmt.Errorf("unknown invert mode %q", s)
	}
	return clampInvert(InvertMode(n)), nil
}

func (m InvertMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *InvertMode) UnmarshalText(text []byte) error {
	v, err := ParseInvertMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Parameter ranges.
const (
	ContrastMin, ContrastMax         = 0.0, 4.0
	BrightnessMin, BrightnessMax     = -1.0, 1.0
	GammaMin, GammaMax               = 0.1, 4.0
	SaturationMin, SaturationMax     = 0.0, 2.0
	EdgeStrengthMin, EdgeStrengthMax = 0.0, 1.0
)

// Params is the committed parameter set of one frame.
type Params struct {
	Contrast     float64    `json:"contrast"`
	Brightness   float64    `json:"brightness"`
	Gamma        float64    `json:"gamma"`
	Saturation   float64    `json:"saturation"`
	InvertMode   InvertMode `json:"invert_mode"`
	EdgeStrength float64    `json:"edge_strength"`
}

// DefaultParams is the identity transform.
func DefaultParams() Params {
	return Params{Contrast: 1, Brightness: 0, Gamma: 1, Saturation: 1, InvertMode: InvertNone}
}

// Clamped returns p with every field forced into range. NaN becomes the default.
func (p Params) Clamped() Params {
	d := DefaultParams()
	return Params{
		Contrast:     clampf(p.Contrast, ContrastMin, ContrastMax, d.Contrast),
		Brightness:   clampf(p.Brightness, BrightnessMin, BrightnessMax, d.Brightness),
		Gamma:        clampf(p.Gamma, GammaMin, GammaMax, d.Gamma),
		Saturation:   clampf(p.Saturation, SaturationMin, SaturationMax, d.Saturation),
		InvertMode:   clampInvert(p.InvertMode),
		EdgeStrength: clampf(p.EdgeStrength, EdgeStrengthMin, EdgeStrengthMax, d.EdgeStrength),
	}
}

// uniforms lays the parameters out like the WGSL TransformParams struct.
func (p Params) uniforms(width, height int) []float32 {
	return []float32{
		float32(p.Contrast),
		float32(p.Brightness),
		float32(p.Gamma),
		float32(p.Saturation),
		float32(p.InvertMode),
		float32(p.EdgeStrength),
		1 / float32(width),
		1 / float32(height),
	}
}

// VisualSettings is the profile section pushed in by ApplyProfile.
type VisualSettings struct {
	Enabled      bool       `json:"enabled" yaml:"enabled"`
	Contrast     float64    `json:"contrast" yaml:"contrast"`
	Brightness   float64    `json:"brightness" yaml:"brightness"`
	Gamma        float64    `json:"gamma" yaml:"gamma"`
	Saturation   float64    `json:"saturation" yaml:"saturation"`
	InvertMode   InvertMode `json:"invert_mode" yaml:"invert_mode"`
	EdgeStrength float64    `json:"edge_strength" yaml:"edge_strength"`
}

// DefaultVisualSettings returns disabled identity settings.
func DefaultVisualSettings() VisualSettings {
	p := DefaultParams()
	return VisualSettings{
		Contrast:   p.Contrast,
		Gamma:      p.Gamma,
		Saturation: p.Saturation,
	}
}

// Params extracts the transform parameters, unclamped.
func (s VisualSettings) Params() Params {
	return Params{
		Contrast:     s.Contrast,
		Brightness:   s.Brightness,
		Gamma:        s.Gamma,
		Saturation:   s.Saturation,
		InvertMode:   s.InvertMode,
		EdgeStrength: s.EdgeStrength,
	}
}

func clampf(v, lo, hi, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	return math.Min(math.Max(v, lo), hi)
}

func clampInvert(m InvertMode) InvertMode {
	if m < InvertNone {
		return InvertNone
	}
	if m > InvertBrightnessOnly {
		return InvertBrightnessOnly
	}
	return m
}
