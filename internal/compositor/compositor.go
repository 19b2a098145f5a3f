// Package compositor presents transformed frames in the overlay surface and
// recovers from device loss.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// State is the compositor lifecycle.
type State int

const (
	Uninitialized State = iota
	Ready
	Lost
	Recovering
	Destroyed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Lost:
		return "lost"
	case Recovering:
		return "recovering"
	case Destroyed:
		return "destroyed"
	default:
		return "uninitialized"
	}
}

// DefaultRecoveryPause is how long recovery waits between releasing and
// recreating the device.
const DefaultRecoveryPause = 100 * time.Millisecond

// Options configure a Compositor.
type Options struct {
	RecoveryPause time.Duration
	BufferCount   int
	AllowTearing  bool
	// Mirrors receive every presented frame after the surface. A mirror must
	// copy the frame and do any slow work on its own goroutine.
	Mirrors []gpu.Presenter
}

// ErrNotReady is returned by frame operations outside the Ready state.
var ErrNotReady = errors.New("compositor not ready")

// Compositor owns the overlay surface and the GPU objects that draw into it.
type Compositor struct {
	surface Surface
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	dev        *gpu.Device
	monitors   []display.Monitor
	bounds     image.Rectangle
	dpi        int
	visible    bool
	created    bool
	lossReason string

	swapChain *gpu.SwapChain
	target    *gpu.RenderTarget
	vertices  *gpu.Buffer
	sampler   *gpu.Sampler
	blend     *gpu.BlendState

	frames     uint64
	recoveries uint64

	listenMu  sync.Mutex
	onLost    []func(reason string)
	onRecover []func(gen gpu.Generation)
	onFatal   []func(err error)
	onState   []func(s State)
}

// New returns an uninitialized compositor drawing into surface.
func New(surface Surface, opts Options) *Compositor {
	if opts.RecoveryPause <= 0 {
		opts.RecoveryPause = DefaultRecoveryPause
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Compositor{surface: surface, opts: opts, ctx: ctx, cancel: cancel}
}

// OnDeviceLost registers fn, called with the removal reason when the device
// is lost. Listeners run on the goroutine that detected the loss.
func (c *Compositor) OnDeviceLost(fn func(reason string)) {
	c.listenMu.Lock()
	c.onLost = append(c.onLost, fn)
	c.listenMu.Unlock()
}

// OnRecovered registers fn, called with the new generation after recovery.
func (c *Compositor) OnRecovered(fn func(gen gpu.Generation)) {
	c.listenMu.Lock()
	c.onRecover = append(c.onRecover, fn)
	c.listenMu.Unlock()
}

// OnFatal registers fn, called when recovery failed and the compositor is
// destroyed.
func (c *Compositor) OnFatal(fn func(err error)) {
	c.listenMu.Lock()
	c.onFatal = append(c.onFatal, fn)
	c.listenMu.Unlock()
}

// OnStateChange registers fn, called with every state the compositor enters.
// It runs after the compositor lock is released, so fn may call back in.
func (c *Compositor) OnStateChange(fn func(s State)) {
	c.listenMu.Lock()
	c.onState = append(c.onState, fn)
	c.listenMu.Unlock()
}

// Initialize creates the surface over the union of monitors and every GPU
// object. On failure the compositor stays Uninitialized.
func (c *Compositor) Initialize(dev *gpu.Device, monitors []display.Monitor) error {
	c.mu.Lock()
	err := c.initializeLocked(dev, monitors)
	c.mu.Unlock()
	if err == nil {
		c.emitState(Ready)
	}
	return err
}

func (c *Compositor) initializeLocked(dev *gpu.Device, monitors []display.Monitor) error {
	log := logger.WithComponent("compositor")

	if c.state != Uninitialized {
		return fmt.Errorf("initialize: compositor is %s", c.state)
	}
	if dev == nil || !dev.IsOpen() {
		return gpu.NewError(gpu.DeviceUnavailable, "compositor init", errors.New("no open device"))
	}
	bounds := display.UnionBounds(monitors)
	if bounds.Empty() {
		return display.ErrNoMonitors
	}

	if err := c.surface.Create(bounds); err != nil {
		log.Error().Err(err).Msg("Failed to create overlay surface")
		return fmt.Errorf("create surface: %w", err)
	}

	c.created = true
	c.dev = dev
	c.bounds = bounds
	c.monitors = slices.Clone(monitors)
	if p, ok := display.Primary(monitors); ok {
		c.dpi = p.DPI
	}

	if err := c.createResourcesLocked(); err != nil {
		log.Error().Err(err).Msg("Failed to create overlay resources")
		c.releaseResourcesLocked()
		c.surface.Destroy()
		c.created = false
		c.dev = nil
		return err
	}

	c.state = Ready
	log.Info().
		Str("bounds", bounds.String()).
		Int("monitors", len(monitors)).
		Str("present_mode", c.swapChain.Mode().String()).
		Int("buffers", c.swapChain.BufferCount()).
		Uint64("generation", uint64(dev.Generation())).
		Msg("Compositor ready")
	return nil
}

// createResourcesLocked builds the swap chain and everything drawn with it.
func (c *Compositor) createResourcesLocked() error {
	d := c.dev
	var err error

	c.swapChain, err = d.NewSwapChain(tee{surface: c.surface, mirrors: c.opts.Mirrors},
		c.bounds.Dx(), c.bounds.Dy(),
		gpu.SwapChainDesc{BufferCount: c.opts.BufferCount, AllowTearing: c.opts.AllowTearing})
	if err != nil {
		return fmt.Errorf("create swap chain: %w", err)
	}
	c.blend, err = d.NewBlendState(gpu.PremultipliedOver, "overlay")
	if err != nil {
		return fmt.Errorf("create blend state: %w", err)
	}
	c.sampler, err = d.NewSampler(gpu.FilterLinear, "overlay")
	if err != nil {
		return fmt.Errorf("create sampler: %w", err)
	}
	c.vertices, err = d.NewBuffer(16, gpu.BufferVertex, "overlay quad")
	if err != nil {
		return fmt.Errorf("create vertex buffer: %w", err)
	}
	if err := d.UpdateBuffer(c.vertices, quad(c.bounds)); err != nil {
		return fmt.Errorf("fill vertex buffer: %w", err)
	}
	c.target, err = d.NewRenderTarget(c.swapChain, "overlay")
	if err != nil {
		return fmt.Errorf("create render target: %w", err)
	}
	return nil
}

// quad returns x, y, u, v for the four corners of a full-surface quad.
func quad(r image.Rectangle) []float32 {
	w, h := float32(r.Dx()), float32(r.Dy())
	return []float32{
		0, 0, 0, 0,
		w, 0, 1, 0,
		0, h, 0, 1,
		w, h, 1, 1,
	}
}

// releaseResourcesLocked releases in dependency order: render target, swap
// chain, buffers, sampler, blend state.
func (c *Compositor) releaseResourcesLocked() {
	if c.target != nil {
		c.target.Release()
		c.target = nil
	}
	if c.swapChain != nil {
		c.swapChain.Release()
		c.swapChain = nil
	}
	if c.vertices != nil {
		c.vertices.Release()
		c.vertices = nil
	}
	if c.sampler != nil {
		c.sampler.Release()
		c.sampler = nil
	}
	if c.blend != nil {
		c.blend.Release()
		c.blend = nil
	}
}

// RenderFrame draws tex at the monitor's place in the overlay.
func (c *Compositor) RenderFrame(tex *gpu.Texture, monitor display.Monitor) error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	at := monitor.Bounds.Min.Sub(c.bounds.Min)
	err := c.target.DrawTexture(tex, at, c.blend, c.sampler)
	c.mu.Unlock()

	if err != nil && !gpu.IsLost(err) {
		// A stale input after a reset reports the reset, not the texture.
		if cerr := c.dev.Check(); gpu.IsLost(cerr) {
			err = cerr
		}
	}
	if gpu.IsLost(err) {
		return c.handleLoss(err)
	}
	return err
}

// Present shows the back buffer. A lost device is recovered before Present
// returns; only a failed recovery is returned as an error.
func (c *Compositor) Present() error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	err := c.swapChain.Present()
	if err == nil {
		c.frames++
	}
	c.mu.Unlock()

	if gpu.IsLost(err) {
		return c.handleLoss(err)
	}
	return err
}

// CheckDevice probes the device between frames and recovers it if it was
// removed. Nothing happens unless the compositor is ready.
func (c *Compositor) CheckDevice() error {
	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return nil
	}
	err := c.dev.Check()
	c.mu.Unlock()

	if gpu.IsLost(err) {
		return c.handleLoss(err)
	}
	return nil
}

// handleLoss runs the single recovery attempt. It returns nil when the
// compositor is Ready again.
func (c *Compositor) handleLoss(cause error) error {
	log := logger.WithComponent("compositor")

	reason := cause.Error()
	var ge *gpu.Error
	if errors.As(cause, &ge) && ge.Reason != "" {
		reason = ge.Reason
	}

	c.mu.Lock()
	if c.state != Ready {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.state = Lost
	c.lossReason = reason
	c.mu.Unlock()

	log.Warn().Str("reason", reason).Msg("Device lost")
	c.emitState(Lost)
	c.emitLost(reason)

	c.mu.Lock()
	if c.state != Lost {
		// Destroyed while the listeners ran.
		c.mu.Unlock()
		return ErrNotReady
	}
	c.state = Recovering
	c.mu.Unlock()
	c.emitState(Recovering)

	c.mu.Lock()
	if c.state != Recovering {
		c.mu.Unlock()
		return ErrNotReady
	}
	c.releaseResourcesLocked()
	err := c.dev.Recreate(c.ctx, c.opts.RecoveryPause)
	if err == nil {
		// A resize that failed mid-way is completed on the new device.
		if b := display.UnionBounds(c.monitors); !b.Empty() && b != c.bounds {
			if serr := c.surface.SetBounds(b); serr == nil {
				c.bounds = b
			}
		}
		err = c.createResourcesLocked()
	}
	if err != nil {
		c.releaseResourcesLocked()
		c.visible = false
		if herr := c.surface.Hide(); herr != nil {
			log.Warn().Err(herr).Msg("Failed to hide overlay")
		}
		c.state = Destroyed
		c.mu.Unlock()

		log.Error().Err(err).Msg("Device recovery failed, overlay disabled")
		c.emitState(Destroyed)
		fatal := fmt.Errorf("device recovery failed: %w", err)
		c.emitFatal(fatal)
		return fatal
	}
	c.recoveries++
	c.state = Ready
	gen := c.dev.Generation()
	c.mu.Unlock()

	log.Info().Uint64("generation", uint64(gen)).Msg("Device recovered")
	c.emitState(Ready)
	c.emitRecovered(gen)
	return nil
}

// OnDisplayChange moves and resizes the overlay to cover monitors. The swap
// chain and render target are resized in place; a failed resize is handled
// as a lost device.
func (c *Compositor) OnDisplayChange(monitors []display.Monitor) error {
	bounds := display.UnionBounds(monitors)
	if bounds.Empty() {
		return display.ErrNoMonitors
	}

	c.mu.Lock()
	c.monitors = slices.Clone(monitors)
	if p, ok := display.Primary(monitors); ok {
		c.dpi = p.DPI
	}
	err := c.relayoutLocked(bounds)
	c.mu.Unlock()

	if gpu.IsLost(err) {
		return c.handleLoss(err)
	}
	return err
}

// OnDpiChange records the primary monitor's new DPI and re-applies the
// layout, since monitor pixel bounds may have moved with it.
func (c *Compositor) OnDpiChange(dpi int) error {
	c.mu.Lock()
	c.dpi = dpi
	err := c.relayoutLocked(display.UnionBounds(c.monitors))
	c.mu.Unlock()

	if gpu.IsLost(err) {
		return c.handleLoss(err)
	}
	return err
}

func (c *Compositor) relayoutLocked(bounds image.Rectangle) error {
	if c.state != Ready {
		if c.state == Uninitialized {
			// Picked up by Initialize.
			return nil
		}
		return ErrNotReady
	}
	if bounds == c.bounds {
		return nil
	}

	log := logger.WithComponent("compositor")

	if err := c.surface.SetBounds(bounds); err != nil {
		return gpu.NewError(gpu.ResizeFailed, "move surface", err)
	}
	if err := c.swapChain.Resize(bounds.Dx(), bounds.Dy()); err != nil {
		return err
	}
	if err := c.dev.UpdateBuffer(c.vertices, quad(bounds)); err != nil {
		return gpu.NewError(gpu.ResizeFailed, "update vertex buffer", err)
	}
	// The render target views the swap chain, so it follows the resize.
	if err := c.target.Clear(); err != nil {
		return gpu.NewError(gpu.ResizeFailed, "clear render target", err)
	}

	log.Info().
		Str("from", c.bounds.String()).
		Str("to", bounds.String()).
		Msg("Overlay resized")
	c.bounds = bounds
	return nil
}

// Show maps the surface.
func (c *Compositor) Show() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Uninitialized || c.state == Destroyed {
		return ErrNotReady
	}
	if err := c.surface.Show(); err != nil {
		return err
	}
	c.visible = true
	return nil
}

// Hide unmaps the surface.
func (c *Compositor) Hide() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Uninitialized || c.state == Destroyed {
		return nil
	}
	if err := c.surface.Hide(); err != nil {
		return err
	}
	c.visible = false
	return nil
}

// Destroy releases everything. The compositor cannot be reused.
func (c *Compositor) Destroy() {
	c.cancel()

	c.mu.Lock()
	if c.state == Destroyed && !c.created {
		c.mu.Unlock()
		return
	}
	c.releaseResourcesLocked()
	if c.created {
		c.surface.Destroy()
		c.created = false
	}
	c.visible = false
	c.state = Destroyed
	c.mu.Unlock()

	logger.WithComponent("compositor").Info().Msg("Compositor destroyed")
	c.emitState(Destroyed)
}

// State returns the lifecycle state.
func (c *Compositor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Bounds returns the overlay rectangle in virtual-screen coordinates.
func (c *Compositor) Bounds() image.Rectangle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bounds
}

// DPI returns the primary monitor DPI last applied.
func (c *Compositor) DPI() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dpi
}

// Visible reports whether the surface is shown.
func (c *Compositor) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

// LastLossReason returns the removal reason of the last device loss.
func (c *Compositor) LastLossReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossReason
}

// Stats returns presented frames and successful recoveries.
func (c *Compositor) Stats() (frames, recoveries uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.recoveries
}

// PresentMode returns the swap chain's present mode. Flip when not ready.
func (c *Compositor) PresentMode() gpu.PresentMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swapChain == nil {
		return gpu.PresentFlip
	}
	return c.swapChain.Mode()
}

func (c *Compositor) emitState(s State) {
	c.listenMu.Lock()
	fns := slices.Clone(c.onState)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Compositor) emitLost(reason string) {
	c.listenMu.Lock()
	fns := slices.Clone(c.onLost)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (c *Compositor) emitRecovered(gen gpu.Generation) {
	c.listenMu.Lock()
	fns := slices.Clone(c.onRecover)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(gen)
	}
}

func (c *Compositor) emitFatal(err error) {
	c.listenMu.Lock()
	fns := slices.Clone(c.onFatal)
	c.listenMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
