package output

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// HUD draws status lines in the top-left corner of a preview frame.
type HUD struct {
	TextColor  color.RGBA
	Background color.RGBA
	Padding    int
}

// DefaultHUD is white text on a translucent black box.
func DefaultHUD() HUD {
	return HUD{
		TextColor:  color.RGBA{255, 255, 255, 255},
		Background: color.RGBA{0, 0, 0, 160},
		Padding:    5,
	}
}

// Render draws lines onto img. Nothing is drawn for an empty slice.
func (h HUD) Render(img *image.RGBA, lines []string) {
	if len(lines) == 0 {
		return
	}

	face := basicfont.Face7x13
	lineHeight := face.Metrics().Height.Ceil()

	d := &font.Drawer{Face: face}
	widest := 0
	for _, l := range lines {
		if w := d.MeasureString(l).Ceil(); w > widest {
			widest = w
		}
	}

	origin := img.Bounds().Min
	box := image.Rect(0, 0, widest+h.Padding*2, lineHeight*len(lines)+h.Padding*2).Add(origin)
	draw.Draw(img, box, image.NewUniform(h.Background), image.Point{}, draw.Over)

	d.Dst = img
	d.Src = image.NewUniform(h.TextColor)
	for i, l := range lines {
		d.Dot = fixed.Point26_6{
			X: fixed.I(origin.X + h.Padding),
			Y: fixed.I(origin.Y + h.Padding + lineHeight*(i+1) - face.Descent),
		}
		d.DrawString(l)
	}
}
