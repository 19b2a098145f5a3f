package gpu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Generation identifies one incarnation of the device. It advances every time
// the device is recreated; resources created on an older generation are unusable.
type Generation uint64

// Device owns the adapter and the immediate context. Draw calls and presents
// hold it shared; Recreate holds it exclusively, so no pass can be in flight
// while the device is rebuilt.
type Device struct {
	adapter Adapter

	mu        sync.RWMutex
	open      bool
	caps      Caps
	immediate *Context
	gen       atomic.Uint64

	traceMu sync.Mutex
	tracer  func(step string)
}

// NewDevice wraps an adapter. Call Open before creating resources.
func NewDevice(adapter Adapter) *Device {
	return &Device{adapter: adapter}
}

// Open opens the adapter and starts generation 1 (or the next one).
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return nil
	}
	if d.adapter == nil {
		return NewError(DeviceUnavailable, "open", errors.New("no adapter"))
	}
	if err := d.openLocked(); err != nil {
		return NewError(DeviceUnavailable, "open", err)
	}

	logger.WithComponent("gpu").Info().
		Str("adapter", d.adapter.Name()).
		Uint64("generation", d.gen.Load()).
		Bool("tearing", d.caps.Tearing).
		Int("workers", d.caps.Workers).
		Msg("Device opened")
	return nil
}

func (d *Device) openLocked() error {
	caps, err := d.adapter.Open()
	if err != nil {
		return err
	}
	if caps.Workers < 1 {
		caps.Workers = 1
	}
	d.caps = caps
	d.open = true
	d.gen.Add(1)
	d.immediate = &Context{dev: d}
	return nil
}

// Generation returns the current device generation. Zero means never opened.
func (d *Device) Generation() Generation {
	return Generation(d.gen.Load())
}

// IsOpen reports whether the device is open.
func (d *Device) IsOpen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.open
}

// Caps returns the capabilities probed at the last open.
func (d *Device) Caps() Caps {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

// AdapterName returns the adapter name.
func (d *Device) AdapterName() string {
	if d.adapter == nil {
		return ""
	}
	return d.adapter.Name()
}

// Context returns the immediate context of the current generation.
func (d *Device) Context() *Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.immediate
}

// Check returns a DeviceLost error carrying the removal reason if the device
// has been removed or reset.
func (d *Device) Check() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkLocked("check")
}

func (d *Device) checkLocked(op string) error {
	if d.gen.Load() == 0 {
		return NewError(DeviceUnavailable, op, errors.New("device never opened"))
	}
	if !d.open {
		return &Error{Kind: DeviceLost, Op: op, Reason: "device released"}
	}
	if err := d.adapter.Removed(); err != nil {
		return &Error{Kind: DeviceLost, Op: op, Reason: err.Error()}
	}
	return nil
}

// Recreate releases the context and the device, waits pause for the driver to
// settle, and opens a new generation. Callers release their own resources first.
func (d *Device) Recreate(ctx context.Context, pause time.Duration) error {
	log := logger.WithComponent("gpu")

	d.mu.Lock()
	defer d.mu.Unlock()

	d.releaseLocked()

	if pause > 0 {
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return NewError(DeviceUnavailable, "recreate", ctx.Err())
		case <-t.C:
		}
	}

	if err := d.openLocked(); err != nil {
		log.Error().Err(err).Msg("Device recreation failed")
		return NewError(DeviceUnavailable, "recreate", err)
	}

	log.Info().
		Uint64("generation", d.gen.Load()).
		Msg("Device recreated")
	return nil
}

// Release tears down the context and then the device.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

func (d *Device) releaseLocked() {
	if d.immediate != nil {
		d.immediate.reset()
		d.immediate = nil
		d.trace("context")
	}
	if d.open {
		if err := d.adapter.Close(); err != nil {
			logger.WithComponent("gpu").Warn().Err(err).Msg("Adapter close failed")
		}
		d.open = false
		d.trace("device")
	}
}

// SetTracer installs a hook that receives the kind of every released object,
// in release order.
func (d *Device) SetTracer(fn func(step string)) {
	d.traceMu.Lock()
	d.tracer = fn
	d.traceMu.Unlock()
}

func (d *Device) trace(step string) {
	d.traceMu.Lock()
	fn := d.tracer
	d.traceMu.Unlock()
	if fn != nil {
		fn(step)
	}
}

// Stale reports whether r was created on another generation or released.
func (d *Device) Stale(r Resource) bool {
	return r == nil || r.Released() || r.Generation() != d.Generation()
}

// beginCreate takes the shared lock and verifies the device is usable.
func (d *Device) beginCreate(op string) (func(), error) {
	d.mu.RLock()
	if err := d.checkLocked(op); err != nil {
		d.mu.RUnlock()
		return nil, err
	}
	return d.mu.RUnlock, nil
}
