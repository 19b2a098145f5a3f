package gpu

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"
)

// MaxShaderResources is the number of texture slots a pass can read.
const MaxShaderResources = 2

// Kernel runs one fragment pass over rows [y0, y1) of dst. src holds the bound
// shader resources in slot order. Kernels must only write their own rows.
type Kernel func(dst *image.RGBA, src []*image.RGBA, uniforms []float32, y0, y1 int)

// Pipeline pairs a vertex and a fragment module with the kernel that executes
// the fragment stage on this device.
type Pipeline struct {
	resource
	Vertex   *Shader
	Fragment *Shader
	kernel   Kernel
}

// NewPipeline links two shader modules.
func (d *Device) NewPipeline(vs, fs *Shader, kernel Kernel, label string) (*Pipeline, error) {
	done, err := d.beginCreate("new pipeline")
	if err != nil {
		return nil, err
	}
	defer done()

	if vs == nil || fs == nil || kernel == nil {
		return nil, fmt.Errorf("pipeline %q: incomplete", label)
	}
	if vs.Stage != StageVertex || fs.Stage != StageFragment {
		return nil, fmt.Errorf("pipeline %q: stage mismatch", label)
	}
	for _, sh := range []*Shader{vs, fs} {
		if err := sh.usable(); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{Vertex: vs, Fragment: fs, kernel: kernel}
	p.init(d, "pipeline", label)
	return p, nil
}

// Context records bindings and issues draws. It belongs to one generation and
// must be driven from a single goroutine.
type Context struct {
	dev      *Device
	pipeline *Pipeline
	target   *Texture
	views    [MaxShaderResources]*Texture
	uniforms *Buffer
	draws    uint64
}

// SetPipeline binds the pipeline used by the next draw.
func (c *Context) SetPipeline(p *Pipeline) { c.pipeline = p }

// SetUniforms binds the parameter buffer.
func (c *Context) SetUniforms(b *Buffer) { c.uniforms = b }

// SetRenderTarget binds t as output. It fails with ErrHazard if t is still bound
// as a shader resource.
func (c *Context) SetRenderTarget(t *Texture) error {
	for _, v := range c.views {
		if t != nil && v == t {
			return fmt.Errorf("render target %q: %w", t.label, ErrHazard)
		}
	}
	c.target = t
	return nil
}

// SetShaderResource binds t to slot. It fails with ErrHazard if t is the
// current render target.
func (c *Context) SetShaderResource(slot int, t *Texture) error {
	if slot < 0 || slot >= MaxShaderResources {
		return fmt.Errorf("shader resource slot %d out of range", slot)
	}
	if t != nil && t == c.target {
		return fmt.Errorf("shader resource %q: %w", t.label, ErrHazard)
	}
	c.views[slot] = t
	return nil
}

// UnbindShaderResources clears every resource slot.
func (c *Context) UnbindShaderResources() {
	c.views = [MaxShaderResources]*Texture{}
}

// Draw runs the bound pipeline as a fullscreen pass, rows split across workers.
func (c *Context) Draw() error {
	d := c.dev
	d.mu.RLock()
	defer d.mu.RUnlock()

	if err := d.checkLocked("draw"); err != nil {
		return err
	}
	if c != d.immediate {
		return fmt.Errorf("context: %w", ErrStale)
	}
	if c.pipeline == nil || c.target == nil {
		return errors.New("draw: pipeline or render target not bound")
	}
	if err := c.pipeline.usable(); err != nil {
		return err
	}
	if err := c.target.usable(); err != nil {
		return err
	}

	var uniforms []float32
	if c.uniforms != nil {
		if err := c.uniforms.usable(); err != nil {
			return err
		}
		uniforms = c.uniforms.data
	}

	dst := c.target.img
	src := make([]*image.RGBA, 0, MaxShaderResources)
	for _, v := range c.views {
		if v == nil {
			break
		}
		if err := v.usable(); err != nil {
			return err
		}
		if v.Size() != c.target.Size() {
			return fmt.Errorf("draw: resource %q is %v, target is %v", v.label, v.Size(), c.target.Size())
		}
		src = append(src, v.img)
	}

	height := dst.Rect.Dy()
	workers := d.caps.Workers
	chunk := (height + workers - 1) / workers
	if chunk < 16 {
		chunk = 16
	}

	kernel := c.pipeline.kernel
	var g errgroup.Group
	g.SetLimit(workers)
	for y0 := 0; y0 < height; y0 += chunk {
		y1 := min(y0+chunk, height)
		g.Go(func() error {
			kernel(dst, src, uniforms, y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.draws++
	return nil
}

// Draws returns the number of completed draws on this context.
func (c *Context) Draws() uint64 { return c.draws }

func (c *Context) reset() {
	c.pipeline = nil
	c.target = nil
	c.uniforms = nil
	c.UnbindShaderResources()
}
