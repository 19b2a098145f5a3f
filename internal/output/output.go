// Package output publishes presented overlay frames for diagnostics. Frames
// are viewed live and never stored.
package output

import (
	"image"
)

// Output receives presented frames. It satisfies gpu.Presenter, so it can be
// attached to the compositor as a mirror.
type Output interface {
	// Present is called with every presented frame. The image is only valid
	// during the call.
	Present(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width  int
	Height int
	FPS    int
}
