package transform

import (
	"image"
	"math"
)

// Uniform slots, matching TransformParams in the WGSL modules.
const (
	uContrast = iota
	uBrightness
	uGamma
	uSaturation
	uInvertMode
	uEdgeStrength
	uTexelW
	uTexelH
	uniformCount
)

// Rec. 709 luma weights.
const (
	lumaR = 0.2126
	lumaG = 0.7152
	lumaB = 0.0722
)

// unpremul returns straight-alpha channels in [0,1].
func unpremul(pix []uint8, i int) (r, g, b, a float64) {
	a = float64(pix[i+3]) / 255
	r, g, b = float64(pix[i])/255, float64(pix[i+1])/255, float64(pix[i+2])/255
	if a > 0 && a < 1 {
		r, g, b = math.Min(r/a, 1), math.Min(g/a, 1), math.Min(b/a, 1)
	}
	return r, g, b, a
}

// premul writes straight-alpha channels back as premultiplied bytes.
func premul(pix []uint8, i int, r, g, b, a float64) {
	pix[i] = to8(r * a)
	pix[i+1] = to8(g * a)
	pix[i+2] = to8(b * a)
	pix[i+3] = to8(a)
}

func to8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v*255 + 0.5)
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// baseAdjustKernel applies contrast, brightness, gamma, then saturation.
func baseAdjustKernel(dst *image.RGBA, src []*image.RGBA, u []float32, y0, y1 int) {
	contrast := float64(u[uContrast])
	brightness := float64(u[uBrightness])
	invGamma := 1 / float64(u[uGamma])
	saturation := float64(u[uSaturation])

	tone := func(c float64) float64 {
		c = clamp01((c-0.5)*contrast + 0.5 + brightness)
		if invGamma != 1 {
			c = math.Pow(c, invGamma)
		}
		return c
	}

	// Opaque pixels hit a per-byte table.
	var lut [256]float64
	for i := range lut {
		lut[i] = tone(float64(i) / 255)
	}

	s := src[0]
	w := dst.Rect.Dx()
	for y := y0; y < y1; y++ {
		so := y * s.Stride
		do := y * dst.Stride
		for x := 0; x < w; x++ {
			si, di := so+x*4, do+x*4
			var r, g, b, a float64
			if s.Pix[si+3] == 255 {
				r, g, b, a = lut[s.Pix[si]], lut[s.Pix[si+1]], lut[s.Pix[si+2]], 1
			} else {
				r, g, b, a = unpremul(s.Pix, si)
				r, g, b = tone(r), tone(g), tone(b)
			}
			if saturation != 1 {
				l := r*lumaR + g*lumaG + b*lumaB
				r = clamp01(l + (r-l)*saturation)
				g = clamp01(l + (g-l)*saturation)
				b = clamp01(l + (b-l)*saturation)
			}
			premul(dst.Pix, di, r, g, b, a)
		}
	}
}

// invertKernel negates every channel, or only HSL lightness.
func invertKernel(dst *image.RGBA, src []*image.RGBA, u []float32, y0, y1 int) {
	mode := InvertMode(math.Round(float64(u[uInvertMode])))
	s := src[0]
	w := dst.Rect.Dx()
	for y := y0; y < y1; y++ {
		so := y * s.Stride
		do := y * dst.Stride
		for x := 0; x < w; x++ {
			si, di := so+x*4, do+x*4
			if mode == InvertFull && s.Pix[si+3] == 255 {
				dst.Pix[di] = 255 - s.Pix[si]
				dst.Pix[di+1] = 255 - s.Pix[si+1]
				dst.Pix[di+2] = 255 - s.Pix[si+2]
				dst.Pix[di+3] = 255
				continue
			}
			r, g, b, a := unpremul(s.Pix, si)
			switch mode {
			case InvertFull:
				r, g, b = 1-r, 1-g, 1-b
			case InvertBrightnessOnly:
				h, sat, l := rgbToHSL(r, g, b)
				r, g, b = hslToRGB(h, sat, 1-l)
			}
			premul(dst.Pix, di, r, g, b, a)
		}
	}
}

// edgeKernel darkens pixels by their Sobel magnitude on luma.
func edgeKernel(dst *image.RGBA, src []*image.RGBA, u []float32, y0, y1 int) {
	strength := float64(u[uEdgeStrength])
	s := src[0]
	w, h := s.Rect.Dx(), s.Rect.Dy()

	luma := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		i := y*s.Stride + x*4
		return (float64(s.Pix[i])*lumaR + float64(s.Pix[i+1])*lumaG + float64(s.Pix[i+2])*lumaB) / 255
	}

	for y := y0; y < y1; y++ {
		for x := 0; x < w; x++ {
			tl, t, tr := luma(x-1, y-1), luma(x, y-1), luma(x+1, y-1)
			l, r := luma(x-1, y), luma(x+1, y)
			bl, b, br := luma(x-1, y+1), luma(x, y+1), luma(x+1, y+1)

			gx := -tl - 2*l - bl + tr + 2*r + br
			gy := -tl - 2*t - tr + bl + 2*b + br
			edge := clamp01(math.Sqrt(gx*gx + gy*gy))
			k := 1 - strength*edge

			si := y*s.Stride + x*4
			di := y*dst.Stride + x*4
			dst.Pix[di] = to8(float64(s.Pix[si]) / 255 * k)
			dst.Pix[di+1] = to8(float64(s.Pix[si+1]) / 255 * k)
			dst.Pix[di+2] = to8(float64(s.Pix[si+2]) / 255 * k)
			dst.Pix[di+3] = s.Pix[si+3]
		}
	}
}

// passthroughKernel copies rows unchanged.
func passthroughKernel(dst *image.RGBA, src []*image.RGBA, _ []float32, y0, y1 int) {
	s := src[0]
	n := dst.Rect.Dx() * 4
	for y := y0; y < y1; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+n], s.Pix[y*s.Stride:y*s.Stride+n])
	}
}
