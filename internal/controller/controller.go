// Package controller drives capture, transform and compositing together: it
// owns the enable gate, the render goroutine and device-loss resync.
package controller

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/capture"
	"github.com/bryanchriswhite/ClarityLayer/internal/compositor"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
)

// ErrSafeMode is returned by Enable(true) while safe mode is on.
var ErrSafeMode = errors.New("enhancement is disabled in safe mode")

// ErrNotInitialized is returned before Initialize succeeded.
var ErrNotInitialized = errors.New("controller not initialized")

// Event types published to subscribers.
const (
	EventEnabled     = "enabled"
	EventDisabled    = "disabled"
	EventDeviceLost  = "device_lost"
	EventRecovered   = "recovered"
	EventFatal       = "fatal"
	EventDisplay     = "display_change"
	EventProfile     = "profile"
	EventSafeModeOff = "safe_mode_off"
)

// Event is a state change reported to subscribers.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
}

// DefaultHealthInterval is how often the device is probed between frames.
const DefaultHealthInterval = 500 * time.Millisecond

// Options configure a Controller.
type Options struct {
	Shaders        fs.FS
	SafeMode       bool
	HealthInterval time.Duration
}

// Status is the liveness and state snapshot.
type Status struct {
	Enabled        bool                 `json:"enabled"`
	SafeMode       bool                 `json:"safe_mode"`
	Compositor     string               `json:"compositor"`
	Generation     uint64               `json:"generation"`
	FramesRendered uint64               `json:"frames_rendered"`
	FramesDropped  uint64               `json:"frames_dropped"`
	Recoveries     uint64               `json:"recoveries"`
	LastFrame      time.Time            `json:"last_frame"`
	LastLossReason string               `json:"last_loss_reason,omitempty"`
	Capture        capture.Capabilities `json:"capture"`
	Monitors       []display.Monitor    `json:"monitors"`
	Params         transform.Params     `json:"params"`
	PresentMode    string               `json:"present_mode"`
}

// Controller wires the frame source, engine and compositor to one device.
type Controller struct {
	dev      *gpu.Device
	source   *capture.FrameSource
	engine   *transform.Engine
	comp     *compositor.Compositor
	monitors display.Enumerator
	shaders  fs.FS
	health   time.Duration

	mailbox *Mailbox
	done    chan struct{}
	stop    chan struct{}

	mu          sync.Mutex
	initialized bool
	enabled     bool
	safeMode    bool
	current     []display.Monitor

	// Owned by the render goroutine.
	inputs map[string]*gpu.Texture

	rendered  atomic.Uint64
	lastFrame atomic.Int64

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// New returns a controller. Nothing runs until Initialize.
func New(dev *gpu.Device, source *capture.FrameSource, engine *transform.Engine,
	comp *compositor.Compositor, monitors display.Enumerator, opts Options) *Controller {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	return &Controller{
		health:   opts.HealthInterval,
		dev:      dev,
		source:   source,
		engine:   engine,
		comp:     comp,
		monitors: monitors,
		shaders:  opts.Shaders,
		safeMode: opts.SafeMode,
		mailbox:  NewMailbox(),
		inputs:   make(map[string]*gpu.Texture),
		subs:     make(map[int]func(Event)),
	}
}

// Initialize opens the device and brings up every component, then starts
// the render goroutine. Enhancement stays disabled until Enable.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.WithComponent("controller")

	if c.initialized {
		return nil
	}
	if err := c.dev.Open(); err != nil {
		log.Error().Err(err).Msg("No usable graphics device")
		return err
	}
	if err := c.engine.Initialize(c.dev, c.shaders); err != nil {
		log.Error().Err(err).Msg("Transform engine failed to initialize")
		return err
	}

	monitors, err := c.monitors.Monitors()
	if err != nil {
		return fmt.Errorf("failed to enumerate monitors: %w", err)
	}
	if err := c.comp.Initialize(c.dev, monitors); err != nil {
		log.Error().Err(err).Msg("Compositor failed to initialize")
		return err
	}
	if err := c.source.Initialize(c.dev); err != nil {
		return err
	}
	c.current = monitors

	c.source.SetFrameCallback(c.onFrame)
	c.comp.OnDeviceLost(c.onDeviceLost)
	c.comp.OnRecovered(c.onRecovered)
	c.comp.OnFatal(c.onFatal)

	c.done = make(chan struct{})
	c.stop = make(chan struct{})
	go c.renderLoop()
	go c.healthLoop()
	c.initialized = true

	log.Info().
		Int("monitors", len(monitors)).
		Bool("safe_mode", c.safeMode).
		Bool("capture_supported", c.source.Capabilities().Supported).
		Msg("Controller initialized")
	return nil
}

// Enable is the sole gate: true starts capture and shows the overlay, false
// stops capture and hides it.
func (c *Controller) Enable(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableLocked(on)
}

func (c *Controller) enableLocked(on bool) error {
	log := logger.WithComponent("controller")

	if !c.initialized {
		return ErrNotInitialized
	}
	if on == c.enabled {
		return nil
	}

	if on {
		if c.safeMode {
			return ErrSafeMode
		}
		if err := c.source.Start(); err != nil {
			log.Warn().Err(err).Msg("Capture failed to start, enhancement stays off")
			return err
		}
		c.control(func() {
			if err := c.comp.Show(); err != nil {
				log.Warn().Err(err).Msg("Failed to show overlay")
			}
		})
		c.enabled = true
		log.Info().Msg("Enhancement enabled")
		c.publish(Event{Type: EventEnabled})
		return nil
	}

	if err := c.source.Stop(); err != nil {
		log.Warn().Err(err).Msg("Capture stopped with errors")
	}
	c.mailbox.Clear()
	c.control(func() {
		if err := c.comp.Hide(); err != nil {
			log.Warn().Err(err).Msg("Failed to hide overlay")
		}
	})
	c.enabled = false
	log.Info().Msg("Enhancement disabled")
	c.publish(Event{Type: EventDisabled})
	return nil
}

// DisableAllEffects turns enhancement off at once. It never fails.
func (c *Controller) DisableAllEffects() {
	logger.WithComponent("controller").Warn().Msg("Panic off: disabling all effects")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.enableLocked(false)
	}
}

// ApplyProfile pushes visual settings into the engine and applies their
// enabled flag. In safe mode only the parameters are taken.
func (c *Controller) ApplyProfile(s transform.VisualSettings) error {
	c.engine.ApplyProfile(s)
	c.publish(Event{Type: EventProfile})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.safeMode || !c.initialized {
		return nil
	}
	return c.enableLocked(s.Enabled)
}

// Params returns the engine's current parameters.
func (c *Controller) Params() transform.Params { return c.engine.Params() }

// Engine returns the transform engine for parameter setters.
func (c *Controller) Engine() *transform.Engine { return c.engine }

// Sessions returns the active capture sessions.
func (c *Controller) Sessions() []capture.SessionInfo { return c.source.Sessions() }

// OnDisplayChange resizes the overlay to monitors and restarts capture on
// the new layout when enabled.
func (c *Controller) OnDisplayChange(monitors []display.Monitor) {
	log := logger.WithComponent("controller")

	c.mu.Lock()
	c.current = slices.Clone(monitors)
	enabled := c.enabled
	c.mu.Unlock()

	c.controlWait(func() {
		if err := c.comp.OnDisplayChange(monitors); err != nil {
			log.Warn().Err(err).Msg("Overlay resize failed")
		}
		c.dropInputs()
	})

	if enabled {
		if err := c.source.Restart(); err != nil {
			log.Warn().Err(err).Msg("Capture restart after display change failed")
		}
	}
	c.publish(Event{Type: EventDisplay, Message: fmt.Sprintf("%d monitors", len(monitors))})
}

// OnDpiChange forwards the primary monitor's new DPI to the compositor.
func (c *Controller) OnDpiChange(dpi int) {
	c.controlWait(func() {
		if err := c.comp.OnDpiChange(dpi); err != nil {
			logger.WithComponent("controller").Warn().Err(err).Int("dpi", dpi).Msg("DPI change failed")
		}
	})
}

// OnSystemResume restarts capture, whose sessions do not survive suspend.
func (c *Controller) OnSystemResume() {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		return
	}
	logger.WithComponent("controller").Info().Msg("System resumed, restarting capture")
	if err := c.source.Restart(); err != nil {
		logger.WithComponent("controller").Warn().Err(err).Msg("Capture restart after resume failed")
	}
}

// SafeMode reports whether safe mode is on.
func (c *Controller) SafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeMode
}

// ExitSafeMode allows Enable again. Enhancement stays off until enabled.
func (c *Controller) ExitSafeMode() {
	c.mu.Lock()
	was := c.safeMode
	c.safeMode = false
	c.mu.Unlock()
	if was {
		logger.WithComponent("controller").Info().Msg("Safe mode off")
		c.publish(Event{Type: EventSafeModeOff})
	}
}

// Enabled reports the gate.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Monitors returns the monitor list last applied.
func (c *Controller) Monitors() []display.Monitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.current)
}

// Status returns a snapshot. LastFrame is the liveness heartbeat.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Enabled:  c.enabled,
		SafeMode: c.safeMode,
		Monitors: slices.Clone(c.current),
	}
	c.mu.Unlock()

	_, recoveries := c.comp.Stats()
	st.Compositor = c.comp.State().String()
	st.Generation = uint64(c.dev.Generation())
	st.FramesRendered = c.rendered.Load()
	st.FramesDropped = c.mailbox.Drops()
	st.Recoveries = recoveries
	st.LastLossReason = c.comp.LastLossReason()
	st.Capture = c.source.Capabilities()
	st.Params = c.engine.Params()
	st.PresentMode = c.comp.PresentMode().String()
	if ns := c.lastFrame.Load(); ns != 0 {
		st.LastFrame = time.Unix(0, ns)
	}
	return st
}

// Subscribe registers fn for state events and returns its cancel function.
// fn must not block.
func (c *Controller) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

// Shutdown disables enhancement, stops the render goroutine and releases the
// device.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.enableLocked(false)
	c.initialized = false
	c.mu.Unlock()

	c.source.SetFrameCallback(nil)
	close(c.stop)
	c.mailbox.Close()
	<-c.done

	c.comp.Destroy()
	c.engine.Release()
	c.dev.Release()
	logger.WithComponent("controller").Info().Msg("Controller shut down")
}

// control queues fn on the render goroutine without waiting.
func (c *Controller) control(fn func()) {
	c.mailbox.Control(fn)
}

// controlWait runs fn on the render goroutine and waits for it.
func (c *Controller) controlWait(fn func()) {
	done := make(chan struct{})
	if !c.mailbox.Control(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// onFrame copies the borrowed frame and posts it.
func (c *Controller) onFrame(f capture.Frame) {
	img, err := c.dev.Readback(f.Texture)
	if err != nil {
		logger.WithMonitor("controller", f.Monitor.ID).Debug().Err(err).Msg("Frame copy failed")
		return
	}
	c.mailbox.Put(&Item{Monitor: f.Monitor, Seq: f.Seq, Timestamp: f.Timestamp, Image: img})
}

// healthLoop asks the render goroutine to probe the device while enabled.
func (c *Controller) healthLoop() {
	ticker := time.NewTicker(c.health)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.Enabled() {
				continue
			}
			c.control(func() {
				if err := c.comp.CheckDevice(); err != nil {
					logger.WithComponent("controller").Debug().Err(err).Msg("Device check failed")
				}
			})
		}
	}
}

func (c *Controller) renderLoop() {
	defer close(c.done)
	defer c.dropInputs()

	for {
		controls, frames, ok := c.mailbox.Take()
		if !ok {
			return
		}
		for _, fn := range controls {
			fn()
		}
		if !c.comp.Visible() {
			// A hidden overlay draws nothing; the frames are dropped.
			continue
		}
		drawn := 0
		for _, it := range frames {
			if c.render(it) {
				drawn++
			}
		}
		if drawn == 0 {
			continue
		}
		if err := c.comp.Present(); err != nil {
			if !errors.Is(err, compositor.ErrNotReady) {
				logger.WithComponent("controller").Warn().Err(err).Msg("Present failed")
			}
			continue
		}
		c.rendered.Add(uint64(drawn))
		c.lastFrame.Store(time.Now().UnixNano())
	}
}

// render uploads, transforms and draws one frame. Returns false if nothing
// was drawn.
func (c *Controller) render(it *Item) bool {
	log := logger.WithMonitor("controller", it.Monitor.ID)

	tex, err := c.input(it)
	if err != nil {
		log.Debug().Err(err).Msg("Input upload failed")
		return false
	}
	out, err := c.engine.Process(tex)
	if err != nil {
		log.Debug().Err(err).Msg("Transform failed, drawing input")
	}
	if err := c.comp.RenderFrame(out, it.Monitor); err != nil {
		if !errors.Is(err, compositor.ErrNotReady) {
			log.Debug().Err(err).Msg("Render failed")
		}
		return false
	}
	return true
}

// input returns the monitor's upload texture filled with the item.
func (c *Controller) input(it *Item) (*gpu.Texture, error) {
	size := it.Image.Bounds().Size()
	tex := c.inputs[it.Monitor.ID]
	if tex == nil || c.dev.Stale(tex) || tex.Size() != size {
		if tex != nil {
			tex.Release()
		}
		var err error
		tex, err = c.dev.NewTexture(size.X, size.Y, "input "+it.Monitor.ID)
		if err != nil {
			delete(c.inputs, it.Monitor.ID)
			return nil, err
		}
		c.inputs[it.Monitor.ID] = tex
	}
	if err := c.dev.Upload(tex, it.Image); err != nil {
		return nil, err
	}
	return tex, nil
}

func (c *Controller) dropInputs() {
	for id, t := range c.inputs {
		t.Release()
		delete(c.inputs, id)
	}
}

func (c *Controller) onDeviceLost(reason string) {
	c.publish(Event{Type: EventDeviceLost, Message: reason})
}

// onRecovered runs on the render goroutine. Everything built on the old
// generation is rebuilt; capture sessions are restarted so their pools
// belong to the new device.
func (c *Controller) onRecovered(gen gpu.Generation) {
	log := logger.WithComponent("controller")

	c.dropInputs()
	if err := c.engine.Initialize(c.dev, c.shaders); err != nil {
		log.Error().Err(err).Msg("Transform engine failed to rebuild after recovery")
	}

	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if enabled {
		if err := c.source.Restart(); err != nil {
			log.Warn().Err(err).Msg("Capture restart after recovery failed")
		}
	}
	c.publish(Event{Type: EventRecovered, Message: fmt.Sprintf("generation %d", gen)})
}

// onFatal runs on the render goroutine after recovery failed.
func (c *Controller) onFatal(err error) {
	logger.WithComponent("controller").Error().Err(err).Msg("Overlay lost for good, disabling enhancement")
	c.mu.Lock()
	if c.enabled {
		if serr := c.source.Stop(); serr != nil {
			logger.WithComponent("controller").Warn().Err(serr).Msg("Capture stopped with errors")
		}
		c.mailbox.Clear()
		c.enabled = false
	}
	c.mu.Unlock()
	c.publish(Event{Type: EventFatal, Message: err.Error()})
}
