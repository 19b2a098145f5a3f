package gpu

import (
	"fmt"
	"image"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"
)

// Resource is anything the device hands out. It is bound to the generation it
// was created on.
type Resource interface {
	Generation() Generation
	Label() string
	Released() bool
	Release()
}

type resource struct {
	dev      *Device
	kind     string
	label    string
	gen      Generation
	released atomic.Bool
}

func (r *resource) init(d *Device, kind, label string) {
	r.dev, r.kind, r.label, r.gen = d, kind, label, d.Generation()
}

func (r *resource) Generation() Generation { return r.gen }
func (r *resource) Label() string          { return r.label }
func (r *resource) Released() bool         { return r.released.Load() }

func (r *resource) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.dev.trace(r.kind)
	}
}

// usable must be called with the device lock held.
func (r *resource) usable() error {
	if r.released.Load() {
		return fmt.Errorf("%s %q: %w", r.kind, r.label, ErrReleased)
	}
	if r.gen != r.dev.Generation() {
		return fmt.Errorf("%s %q (generation %d): %w", r.kind, r.label, r.gen, ErrStale)
	}
	return nil
}

// Texture is a 2D RGBA8 surface, premultiplied alpha.
type Texture struct {
	resource
	img *image.RGBA
}

// NewTexture allocates a cleared texture.
func (d *Device) NewTexture(width, height int, label string) (*Texture, error) {
	done, err := d.beginCreate("new texture")
	if err != nil {
		return nil, err
	}
	defer done()

	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("texture %q: invalid size %dx%d", label, width, height)
	}
	if limit := d.caps.MaxTextureSize; limit > 0 && (width > limit || height > limit) {
		return nil, fmt.Errorf("texture %q: %dx%d exceeds %d", label, width, height, limit)
	}

	t := &Texture{img: image.NewRGBA(image.Rect(0, 0, width, height))}
	t.init(d, "texture", label)
	return t, nil
}

func (t *Texture) Width() int  { return t.img.Rect.Dx() }
func (t *Texture) Height() int { return t.img.Rect.Dy() }

// Size returns the texture dimensions.
func (t *Texture) Size() image.Point { return t.img.Rect.Size() }

// Pixels exposes the backing store. Only valid while the texture is alive.
func (t *Texture) Pixels() *image.RGBA { return t.img }

// Upload copies src into t, scaling with nearest-neighbour if sizes differ.
func (d *Device) Upload(t *Texture, src image.Image) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("upload"); err != nil {
		return err
	}
	if err := t.usable(); err != nil {
		return err
	}

	sb := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && sb.Size() == t.Size() {
		w := sb.Dx() * 4
		for y := 0; y < sb.Dy(); y++ {
			so := rgba.PixOffset(sb.Min.X, sb.Min.Y+y)
			do := y * t.img.Stride
			copy(t.img.Pix[do:do+w], rgba.Pix[so:so+w])
		}
		return nil
	}
	if sb.Size() == t.Size() {
		xdraw.Draw(t.img, t.img.Rect, src, sb.Min, xdraw.Src)
		return nil
	}
	xdraw.NearestNeighbor.Scale(t.img, t.img.Rect, src, sb, xdraw.Src, nil)
	return nil
}

// Readback copies a texture into a new image.
func (d *Device) Readback(t *Texture) (*image.RGBA, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("readback"); err != nil {
		return nil, err
	}
	if err := t.usable(); err != nil {
		return nil, err
	}
	out := image.NewRGBA(t.img.Rect)
	copy(out.Pix, t.img.Pix)
	return out, nil
}

// BufferUsage describes how a buffer is bound.
type BufferUsage int

const (
	BufferUniform BufferUsage = iota
	BufferVertex
)

// Buffer holds float32 data: shader parameters or vertices.
type Buffer struct {
	resource
	usage BufferUsage
	data  []float32
}

// NewBuffer allocates a zeroed buffer of n floats.
func (d *Device) NewBuffer(n int, usage BufferUsage, label string) (*Buffer, error) {
	done, err := d.beginCreate("new buffer")
	if err != nil {
		return nil, err
	}
	defer done()

	if n <= 0 {
		return nil, fmt.Errorf("buffer %q: invalid length %d", label, n)
	}
	b := &Buffer{usage: usage, data: make([]float32, n)}
	b.init(d, "buffer", label)
	return b, nil
}

// UpdateBuffer replaces the buffer contents. Extra values are dropped.
func (d *Device) UpdateBuffer(b *Buffer, data []float32) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("update buffer"); err != nil {
		return err
	}
	if err := b.usable(); err != nil {
		return err
	}
	copy(b.data, data)
	return nil
}

// Len returns the buffer length in floats.
func (b *Buffer) Len() int { return len(b.data) }

// Filter is a sampler filter mode.
type Filter int

const (
	FilterPoint Filter = iota
	FilterLinear
)

// Sampler selects how textures are read when scaled.
type Sampler struct {
	resource
	Filter Filter
}

// NewSampler creates a clamped sampler.
func (d *Device) NewSampler(filter Filter, label string) (*Sampler, error) {
	done, err := d.beginCreate("new sampler")
	if err != nil {
		return nil, err
	}
	defer done()
	s := &Sampler{Filter: filter}
	s.init(d, "sampler", label)
	return s, nil
}

// BlendFactor is a blend equation factor.
type BlendFactor int

const (
	BlendZero BlendFactor = iota
	BlendOne
	BlendSrcAlpha
	BlendInvSrcAlpha
)

// BlendDesc describes colour blending onto a render target.
type BlendDesc struct {
	Enable bool
	Src    BlendFactor
	Dst    BlendFactor
}

// PremultipliedOver is ONE / INV_SRC_ALPHA, source-over for premultiplied colour.
var PremultipliedOver = BlendDesc{Enable: true, Src: BlendOne, Dst: BlendInvSrcAlpha}

// BlendState is an immutable blend configuration.
type BlendState struct {
	resource
	Desc BlendDesc
}

// NewBlendState creates a blend state.
func (d *Device) NewBlendState(desc BlendDesc, label string) (*BlendState, error) {
	done, err := d.beginCreate("new blend state")
	if err != nil {
		return nil, err
	}
	defer done()

	if desc.Enable && desc != PremultipliedOver {
		return nil, fmt.Errorf("blend state %q: only premultiplied source-over is supported", label)
	}
	bs := &BlendState{Desc: desc}
	bs.init(d, "blend_state", label)
	return bs, nil
}
