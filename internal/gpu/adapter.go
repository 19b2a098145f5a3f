package gpu

import (
	"errors"
	"runtime"
	"sync"
)

// Caps is the result of the one-time capability probe done when a device opens.
type Caps struct {
	// Tearing reports support for immediate (tearing) presentation.
	Tearing bool
	// MaxTextureSize bounds either texture dimension.
	MaxTextureSize int
	// Workers is the parallelism available to draw calls.
	Workers int
}

// Adapter is the driver-facing half of a Device.
type Adapter interface {
	Name() string
	Open() (Caps, error)
	Close() error
	// Removed returns the removal reason once the device has been lost, and
	// nil while it is healthy.
	Removed() error
}

// SoftwareAdapter executes draw calls on the CPU. It supports fault injection
// so device loss and failed recreation can be exercised without a driver.
type SoftwareAdapter struct {
	mu        sync.Mutex
	caps      Caps
	open      bool
	removed   error
	failOpens int
	opens     int
}

// NewSoftwareAdapter creates a CPU adapter. tearing controls what the probe reports.
func NewSoftwareAdapter(tearing bool) *SoftwareAdapter {
	return &SoftwareAdapter{
		caps: Caps{
			Tearing:        tearing,
			MaxTextureSize: 16384,
			Workers:        runtime.GOMAXPROCS(0),
		},
	}
}

func (a *SoftwareAdapter) Name() string { return "software" }

func (a *SoftwareAdapter) Open() (Caps, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opens++
	if a.failOpens > 0 {
		a.failOpens--
		return Caps{}, errors.New("software adapter: open refused")
	}
	a.open = true
	a.removed = nil
	return a.caps, nil
}

func (a *SoftwareAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	return nil
}

func (a *SoftwareAdapter) Removed() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open && a.removed == nil {
		return errors.New("device closed")
	}
	return a.removed
}

// InjectRemoval marks the device as removed, like a driver reset would. The
// reason is reported verbatim by Check.
func (a *SoftwareAdapter) InjectRemoval(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = errors.New(reason)
}

// FailNextOpen makes the next n Open calls fail.
func (a *SoftwareAdapter) FailNextOpen(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOpens = n
}

// Opens returns how many times Open was called.
func (a *SoftwareAdapter) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}
