package transform

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Shader module names.
const (
	ShaderVertex      = "fullscreen_vs"
	ShaderBaseAdjust  = "base_adjust"
	ShaderInvert      = "invert"
	ShaderEdgeEnhance = "edge_enhance"
	ShaderPassthrough = "passthrough"
)

// Shaders lists every module the engine loads, in load order.
var Shaders = []gpu.ShaderSpec{
	{Name: ShaderVertex, Stage: gpu.StageVertex, Required: true},
	{Name: ShaderBaseAdjust, Stage: gpu.StageFragment, Required: true},
	{Name: ShaderInvert, Stage: gpu.StageFragment, Required: true},
	{Name: ShaderPassthrough, Stage: gpu.StageFragment, Required: true},
	{Name: ShaderEdgeEnhance, Stage: gpu.StageFragment, Required: false},
}

var kernels = map[string]gpu.Kernel{
	ShaderBaseAdjust:  baseAdjustKernel,
	ShaderInvert:      invertKernel,
	ShaderEdgeEnhance: edgeKernel,
	ShaderPassthrough: passthroughKernel,
}

// Engine runs the fixed pass chain: base adjust, invert, edge enhance, with a
// passthrough when neither optional pass runs.
//
// Setters may be called from any goroutine. Initialize, Process and Release
// belong to the render goroutine.
type Engine struct {
	mu      sync.Mutex
	pending Params
	dirty   bool

	dev       *gpu.Device
	shaders   fs.FS
	gen       gpu.Generation
	ready     bool
	pipelines map[string]*gpu.Pipeline
	uniforms  *gpu.Buffer
	committed Params

	intermediate *gpu.Texture
	output       *gpu.Texture
	staging      *gpu.Texture
	size         image.Point

	lastPasses []string
	processed  atomic.Uint64
	resizes    atomic.Uint64
	updates    atomic.Uint64
}

// NewEngine returns an engine holding identity parameters.
func NewEngine() *Engine {
	return &Engine{pending: DefaultParams(), dirty: true}
}

// Initialize loads the shader modules from shaders and builds the pipelines
// on dev. A required module failing leaves the engine not ready and returns a
// ShaderLoadFailed error; the optional edge module only disables its pass.
func (e *Engine) Initialize(dev *gpu.Device, shaders fs.FS) error {
	log := logger.WithComponent("transform")

	e.Release()
	if dev == nil || !dev.IsOpen() {
		return gpu.NewError(gpu.DeviceUnavailable, "transform init", errors.New("no open device"))
	}
	e.dev = dev
	e.shaders = shaders

	loaded := make(map[string]*gpu.Shader, len(Shaders))
	for _, spec := range Shaders {
		sh, err := dev.LoadShader(shaders, spec)
		if err != nil {
			if !spec.Required && gpu.KindOf(err) == gpu.ShaderLoadFailed {
				log.Warn().Err(err).Str("shader", spec.Name).Msg("Optional shader unavailable, pass disabled")
				continue
			}
			log.Error().Err(err).Str("shader", spec.Name).Msg("Failed to load shader")
			e.releaseShaders(loaded)
			return err
		}
		loaded[spec.Name] = sh
	}

	e.pipelines = make(map[string]*gpu.Pipeline, len(kernels))
	for name, kernel := range kernels {
		fragment, ok := loaded[name]
		if !ok {
			continue
		}
		p, err := dev.NewPipeline(loaded[ShaderVertex], fragment, kernel, name)
		if err != nil {
			log.Error().Err(err).Str("pipeline", name).Msg("Failed to create pipeline")
			e.releaseShaders(loaded)
			e.Release()
			return err
		}
		e.pipelines[name] = p
	}

	uniforms, err := dev.NewBuffer(uniformCount, gpu.BufferUniform, "transform params")
	if err != nil {
		e.releaseShaders(loaded)
		e.Release()
		return err
	}
	e.uniforms = uniforms
	e.gen = dev.Generation()
	e.ready = true

	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()

	log.Info().
		Uint64("generation", uint64(e.gen)).
		Bool("edge_enhance", e.EdgeAvailable()).
		Msg("Transform pipeline ready")
	return nil
}

func (e *Engine) releaseShaders(loaded map[string]*gpu.Shader) {
	for _, sh := range loaded {
		sh.Release()
	}
}

// Ready reports whether Process will transform frames.
func (e *Engine) Ready() bool { return e.ready }

// EdgeAvailable reports whether the optional edge pass was loaded.
func (e *Engine) EdgeAvailable() bool {
	_, ok := e.pipelines[ShaderEdgeEnhance]
	return ok
}

// Process runs the pass chain over input and returns the output surface. The
// returned texture is the same object on every call until the size changes; it
// is overwritten by the next call.
//
// If the engine is not ready the input is returned unchanged. If the device
// is lost mid-chain the input is returned with the error.
func (e *Engine) Process(input *gpu.Texture) (*gpu.Texture, error) {
	if input == nil {
		return nil, errors.New("transform: nil input")
	}
	if !e.ready {
		return input, nil
	}
	if e.gen != e.dev.Generation() {
		// Our pipelines belong to a dead device; rebuild them on the current one.
		if err := e.Initialize(e.dev, e.shaders); err != nil {
			return input, err
		}
	}
	if e.dev.Stale(input) {
		return input, fmt.Errorf("transform input: %w", gpu.ErrStale)
	}

	if err := e.ensureSurfaces(input.Size()); err != nil {
		return input, err
	}
	src := input
	if input == e.output || input == e.intermediate {
		if err := e.snapshot(input); err != nil {
			return input, err
		}
		src = e.staging
	}
	if err := e.commit(); err != nil {
		return input, err
	}

	passes := e.plan()
	ctx := e.dev.Context()
	ctx.SetUniforms(e.uniforms)

	names := make([]string, 0, len(passes))
	for i, p := range passes {
		// Ping-pong so that the last pass lands on the output surface.
		target := e.intermediate
		if (len(passes)-1-i)%2 == 0 {
			target = e.output
		}

		ctx.UnbindShaderResources()
		if err := ctx.SetRenderTarget(target); err != nil {
			return input, err
		}
		if err := ctx.SetShaderResource(0, src); err != nil {
			return input, err
		}
		ctx.SetPipeline(p)
		if err := ctx.Draw(); err != nil {
			ctx.UnbindShaderResources()
			return input, err
		}
		names = append(names, p.Label())
		src = target
	}
	ctx.UnbindShaderResources()
	_ = ctx.SetRenderTarget(nil)

	e.lastPasses = names
	e.processed.Add(1)
	return e.output, nil
}

// plan picks the passes for the committed parameters.
func (e *Engine) plan() []*gpu.Pipeline {
	passes := []*gpu.Pipeline{e.pipelines[ShaderBaseAdjust]}
	if e.committed.InvertMode != InvertNone {
		passes = append(passes, e.pipelines[ShaderInvert])
	}
	if edge, ok := e.pipelines[ShaderEdgeEnhance]; ok && e.committed.EdgeStrength > 0 {
		passes = append(passes, edge)
	}
	if len(passes) == 1 {
		passes = append(passes, e.pipelines[ShaderPassthrough])
	}
	return passes
}

// ensureSurfaces recreates both surfaces when the input size changes or the
// old ones are stale.
func (e *Engine) ensureSurfaces(size image.Point) error {
	if e.output != nil && size == e.size && !e.dev.Stale(e.output) && !e.dev.Stale(e.intermediate) {
		return nil
	}

	e.releaseSurfaces()
	intermediate, err := e.dev.NewTexture(size.X, size.Y, "transform intermediate")
	if err != nil {
		return err
	}
	output, err := e.dev.NewTexture(size.X, size.Y, "transform output")
	if err != nil {
		intermediate.Release()
		return err
	}
	e.intermediate, e.output, e.size = intermediate, output, size
	e.resizes.Add(1)

	// The texel size lives in the parameter buffer.
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()

	logger.WithComponent("transform").Debug().
		Int("width", size.X).
		Int("height", size.Y).
		Msg("Surfaces resized")
	return nil
}

func (e *Engine) snapshot(t *gpu.Texture) error {
	if e.staging == nil || e.dev.Stale(e.staging) || e.staging.Size() != t.Size() {
		if e.staging != nil {
			e.staging.Release()
		}
		staging, err := e.dev.NewTexture(t.Width(), t.Height(), "transform staging")
		if err != nil {
			return err
		}
		e.staging = staging
	}
	return e.dev.Upload(e.staging, t.Pixels())
}

// commit uploads pending parameters if they changed since the last frame.
func (e *Engine) commit() error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	p := e.pending
	e.dirty = false
	e.mu.Unlock()

	if err := e.dev.UpdateBuffer(e.uniforms, p.uniforms(e.size.X, e.size.Y)); err != nil {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
		return err
	}
	e.committed = p
	return nil
}

func (e *Engine) releaseSurfaces() {
	for _, t := range []*gpu.Texture{e.intermediate, e.output, e.staging} {
		if t != nil {
			t.Release()
		}
	}
	e.intermediate, e.output, e.staging = nil, nil, nil
	e.size = image.Point{}
}

// Release frees every device resource. Parameters are kept.
func (e *Engine) Release() {
	e.releaseSurfaces()
	for _, p := range e.pipelines {
		p.Release()
		p.Vertex.Release()
		p.Fragment.Release()
	}
	e.pipelines = nil
	if e.uniforms != nil {
		e.uniforms.Release()
		e.uniforms = nil
	}
	e.ready = false
}

// LastPasses returns the pass names run by the last Process call.
func (e *Engine) LastPasses() []string {
	return append([]string(nil), e.lastPasses...)
}

// Stats returns processed frame and resize counts. Safe from any goroutine.
func (e *Engine) Stats() (processed, resizes uint64) {
	return e.processed.Load(), e.resizes.Load()
}

// ApplyProfile replaces all six parameters at once.
func (e *Engine) ApplyProfile(s VisualSettings) {
	e.SetParams(s.Params())
}

// SetParams replaces all six parameters at once.
func (e *Engine) SetParams(p Params) {
	e.Update(func(q *Params) error {
		*q = p
		return nil
	})
}

// Update runs fn on a copy of the parameters and publishes the clamped
// result as one change. Nothing is published if fn fails. It returns the
// parameters in effect afterwards.
func (e *Engine) Update(fn func(p *Params) error) (Params, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending
	if err := fn(&p); err != nil {
		return e.pending, err
	}
	e.pending = p.Clamped()
	e.dirty = true
	e.updates.Add(1)
	return e.pending, nil
}

// Updates returns how many parameter changes were published.
func (e *Engine) Updates() uint64 { return e.updates.Load() }

// Params returns the current parameter values.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *Engine) update(fn func(p *Params)) {
	e.Update(func(p *Params) error {
		fn(p)
		return nil
	})
}

func (e *Engine) SetContrast(v float64)   { e.update(func(p *Params) { p.Contrast = v }) }
func (e *Engine) SetBrightness(v float64) { e.update(func(p *Params) { p.Brightness = v }) }
func (e *Engine) SetGamma(v float64)      { e.update(func(p *Params) { p.Gamma = v }) }
func (e *Engine) SetSaturation(v float64) { e.update(func(p *Params) { p.Saturation = v }) }

func (e *Engine) SetInvertMode(m InvertMode) { e.update(func(p *Params) { p.InvertMode = m }) }

func (e *Engine) SetEdgeStrength(v float64) { e.update(func(p *Params) { p.EdgeStrength = v }) }
