package capture

import (
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
)

// Capabilities is the result of a backend's one-time probe.
type Capabilities struct {
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`

	// CursorToggle: the backend can leave the pointer out of frames.
	CursorToggle bool `json:"cursor_toggle"`
	// BorderToggle: the backend can capture without a highlight border.
	BorderToggle bool `json:"border_toggle"`
	// ExcludesOverlay: windows in the exclusion set never appear in frames.
	ExcludesOverlay bool `json:"excludes_overlay"`
}

// SessionOptions are derived from Capabilities; a flag is only set when the
// backend reported it can honour it.
type SessionOptions struct {
	HideCursor bool
	HideBorder bool
	FPS        int
	// ExcludeOverlay requires the session to keep the exclusion set out of
	// every frame. A backend that cannot must fail the session.
	ExcludeOverlay bool
}

// Backend is a capture API: X11, kbinani/screenshot, the xdg portal, or the
// synthetic test source.
type Backend interface {
	Name() string

	// Probe is called once per FrameSource.
	Probe() Capabilities

	// CreateItem binds a capture item to one monitor.
	CreateItem(m display.Monitor) (Item, error)
}

// Item is a capturable monitor.
type Item interface {
	Monitor() display.Monitor
	CreateSession(pool *FramePool, opts SessionOptions) (Producer, error)
	Release()
}

// Producer pushes frames into its pool from its own goroutine until closed.
type Producer interface {
	Start() error
	// Close stops production and returns once the producer goroutine exited.
	Close() error
}

// Frame is a borrowed view of one captured frame. It is only valid for the
// duration of the frame callback; callers copy what they keep.
type Frame struct {
	Monitor   display.Monitor
	Seq       uint64
	Timestamp time.Time
	Texture   *gpu.Texture
}

// FrameCallback receives frames on capture goroutines.
type FrameCallback func(Frame)
