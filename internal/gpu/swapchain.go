package gpu

import (
	"fmt"
	"image"

	"github.com/gogpu/gg"
)

// PresentMode is the presentation model a swap chain ended up with.
type PresentMode int

const (
	// PresentFlip waits for the compositor's flip.
	PresentFlip PresentMode = iota
	// PresentImmediate allows tearing for the lowest latency.
	PresentImmediate
)

func (m PresentMode) String() string {
	if m == PresentImmediate {
		return "immediate"
	}
	return "flip"
}

// Presenter receives finished frames. The image is only valid during the call.
type Presenter interface {
	Present(img *image.RGBA) error
}

// SwapChainDesc configures a swap chain.
type SwapChainDesc struct {
	BufferCount  int
	AllowTearing bool
}

// SwapChain owns the back buffer, a gg context, and hands it to a Presenter.
type SwapChain struct {
	resource
	presenter Presenter
	desc      SwapChainDesc
	mode      PresentMode
	dc        *gg.Context
	presents  uint64
}

// NewSwapChain creates a back buffer of the given size. Tearing is used only
// when both the description and the device probe allow it.
func (d *Device) NewSwapChain(p Presenter, width, height int, desc SwapChainDesc) (*SwapChain, error) {
	done, err := d.beginCreate("new swap chain")
	if err != nil {
		return nil, err
	}
	defer done()

	if p == nil {
		return nil, fmt.Errorf("swap chain: no presenter")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("swap chain: invalid size %dx%d", width, height)
	}
	if desc.BufferCount < 2 {
		desc.BufferCount = 2
	}

	mode := PresentFlip
	if desc.AllowTearing && d.caps.Tearing {
		mode = PresentImmediate
	}

	dc := gg.NewContext(width, height)
	dc.Clear()

	sc := &SwapChain{presenter: p, desc: desc, mode: mode, dc: dc}
	sc.init(d, "swap_chain", "overlay")
	return sc, nil
}

// Mode returns the present mode chosen at creation.
func (s *SwapChain) Mode() PresentMode { return s.mode }

// BufferCount returns the number of buffers requested.
func (s *SwapChain) BufferCount() int { return s.desc.BufferCount }

// Size returns the back buffer size.
func (s *SwapChain) Size() image.Point { return image.Pt(s.dc.Width(), s.dc.Height()) }

// Presents returns how many frames were presented.
func (s *SwapChain) Presents() uint64 { return s.presents }

// Resize reallocates the back buffer in place. Failures are ResizeFailed.
func (s *SwapChain) Resize(width, height int) error {
	d := s.dev
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("resize"); err != nil {
		return err
	}
	if err := s.usable(); err != nil {
		return NewError(ResizeFailed, "resize swap chain", err)
	}
	if err := s.dc.Resize(width, height); err != nil {
		return NewError(ResizeFailed, "resize swap chain", err)
	}
	s.dc.Clear()
	return nil
}

// Present hands the back buffer to the presenter. A removed device yields a
// DeviceLost error carrying the removal reason.
func (s *SwapChain) Present() error {
	d := s.dev
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("present"); err != nil {
		return err
	}
	if err := s.usable(); err != nil {
		return err
	}

	pm := s.dc.ResizeTarget()
	img := &image.RGBA{
		Pix:    pm.Data(),
		Stride: pm.Width() * 4,
		Rect:   image.Rect(0, 0, pm.Width(), pm.Height()),
	}
	if err := s.presenter.Present(img); err != nil {
		return fmt.Errorf("present: %w", err)
	}
	s.presents++
	return nil
}

// Release frees the back buffer.
func (s *SwapChain) Release() {
	if s.released.Load() {
		return
	}
	s.resource.Release()
	_ = s.dc.Close()
}

// RenderTarget is a view onto the swap chain's back buffer.
type RenderTarget struct {
	resource
	sc *SwapChain
}

// NewRenderTarget creates the view used to draw into sc.
func (d *Device) NewRenderTarget(sc *SwapChain, label string) (*RenderTarget, error) {
	done, err := d.beginCreate("new render target")
	if err != nil {
		return nil, err
	}
	defer done()

	if err := sc.usable(); err != nil {
		return nil, err
	}
	rt := &RenderTarget{sc: sc}
	rt.init(d, "render_target", label)
	return rt, nil
}

// Clear makes the whole target transparent.
func (rt *RenderTarget) Clear() error {
	d := rt.dev
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("clear"); err != nil {
		return err
	}
	if err := rt.usable(); err != nil {
		return err
	}
	rt.sc.dc.Clear()
	return nil
}

// DrawTexture draws t with its top-left corner at at. With blending disabled
// the covered pixels are replaced.
func (rt *RenderTarget) DrawTexture(t *Texture, at image.Point, bs *BlendState, smp *Sampler) error {
	d := rt.dev
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("draw texture"); err != nil {
		return err
	}
	if t == nil || bs == nil || smp == nil {
		return fmt.Errorf("draw texture: missing texture, blend state or sampler")
	}
	for _, r := range []interface{ usable() error }{rt, rt.sc, t, bs, smp} {
		if err := r.usable(); err != nil {
			return err
		}
	}

	if !bs.Desc.Enable {
		rt.copyRect(t.img, at)
		return nil
	}

	interp := gg.InterpNearest
	if smp.Filter == FilterLinear {
		interp = gg.InterpBilinear
	}
	rt.sc.dc.DrawImageEx(gg.ImageBufFromImage(t.img), gg.DrawImageOptions{
		X:             float64(at.X),
		Y:             float64(at.Y),
		Interpolation: interp,
		Opacity:       1,
		BlendMode:     gg.BlendNormal,
	})
	return nil
}

func (rt *RenderTarget) copyRect(src *image.RGBA, at image.Point) {
	pm := rt.sc.dc.ResizeTarget()
	dstRect := image.Rect(0, 0, pm.Width(), pm.Height())
	r := src.Rect.Sub(src.Rect.Min).Add(at).Intersect(dstRect)
	if r.Empty() {
		return
	}
	data := pm.Data()
	stride := pm.Width() * 4
	w := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		so := src.PixOffset(src.Rect.Min.X+r.Min.X-at.X, src.Rect.Min.Y+y-at.Y)
		do := y*stride + r.Min.X*4
		copy(data[do:do+w], src.Pix[so:so+w])
	}
}
