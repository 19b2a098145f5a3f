package compositor

import (
	"errors"
	"image"
	"sync"

	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Surface is the window the overlay is presented into. display.Window is the
// on-screen implementation. Create must leave the surface click-through,
// topmost, never activated and excluded from capture.
type Surface interface {
	gpu.Presenter
	Create(bounds image.Rectangle) error
	SetBounds(bounds image.Rectangle) error
	Show() error
	Hide() error
	Destroy()
}

// Headless is a Surface that keeps the last presented frame in memory.
type Headless struct {
	// FailCreate makes Create fail with this error.
	FailCreate error

	mu       sync.Mutex
	bounds   image.Rectangle
	created  bool
	visible  bool
	presents int
	last     *image.RGBA
}

// NewHeadless returns an off-screen surface.
func NewHeadless() *Headless { return &Headless{} }

func (h *Headless) Create(bounds image.Rectangle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailCreate != nil {
		return h.FailCreate
	}
	h.bounds = bounds
	h.created = true
	return nil
}

func (h *Headless) SetBounds(bounds image.Rectangle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.created {
		return errors.New("surface not created")
	}
	h.bounds = bounds
	return nil
}

func (h *Headless) Show() error {
	h.mu.Lock()
	h.visible = true
	h.mu.Unlock()
	return nil
}

func (h *Headless) Hide() error {
	h.mu.Lock()
	h.visible = false
	h.mu.Unlock()
	return nil
}

func (h *Headless) Destroy() {
	h.mu.Lock()
	h.created, h.visible = false, false
	h.mu.Unlock()
}

// Present copies img.
func (h *Headless) Present(img *image.RGBA) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.created {
		return errors.New("surface not created")
	}
	if h.last == nil || h.last.Rect != img.Rect {
		h.last = image.NewRGBA(img.Rect)
	}
	copy(h.last.Pix, img.Pix)
	h.presents++
	return nil
}

// Visible reports whether the surface is shown.
func (h *Headless) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// Bounds returns the bounds from the last Create or SetBounds.
func (h *Headless) Bounds() image.Rectangle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds
}

// Presents returns how many frames were presented.
func (h *Headless) Presents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presents
}

// Last returns a copy of the last presented frame, or nil.
func (h *Headless) Last() *image.RGBA {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil
	}
	out := image.NewRGBA(h.last.Rect)
	copy(out.Pix, h.last.Pix)
	return out
}

// tee presents to the surface and then to each mirror. Mirror failures are
// logged and never fail the present. Mirrors are called on the render
// goroutine with the device locked; they copy what they need and return.
type tee struct {
	surface Surface
	mirrors []gpu.Presenter
}

func (t tee) Present(img *image.RGBA) error {
	if err := t.surface.Present(img); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.Present(img); err != nil {
			logger.WithComponent("compositor").Debug().Err(err).Msg("Mirror present failed")
		}
	}
	return nil
}
