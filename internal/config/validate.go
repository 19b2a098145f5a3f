package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Validate checks backend names, ranges, and backend pairings.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Capture.Backend {
	case CaptureX11, CaptureScreenshot, CapturePortal, CaptureSynthetic:
	default:
		errs = append(errs, fmt.Errorf("capture.backend: unknown backend %q", c.Capture.Backend))
	}
	if c.Capture.FPS < 1 || c.Capture.FPS > 240 {
		errs = append(errs, fmt.Errorf("capture.fps: %d out of range 1-240", c.Capture.FPS))
	}

	switch c.Display.Backend {
	case DisplayRandr, DisplayScreenshot:
	case DisplayStatic:
		if len(c.Display.Monitors) == 0 {
			errs = append(errs, errors.New("display.monitors: static backend needs at least one monitor"))
		}
	default:
		errs = append(errs, fmt.Errorf("display.backend: unknown backend %q", c.Display.Backend))
	}
	for i, mon := range c.Display.Monitors {
		if mon.Width <= 0 || mon.Height <= 0 {
			errs = append(errs, fmt.Errorf("display.monitors[%d]: size %dx%d", i, mon.Width, mon.Height))
		}
		if mon.DPI < 0 {
			errs = append(errs, fmt.Errorf("display.monitors[%d]: negative dpi", i))
		}
	}
	if c.Display.PollInterval < 0 {
		errs = append(errs, errors.New("display.poll_interval: negative"))
	}

	switch c.Overlay.Backend {
	case OverlayX11, OverlayPreview, OverlayHeadless:
	default:
		errs = append(errs, fmt.Errorf("overlay.backend: unknown backend %q", c.Overlay.Backend))
	}

	// An on-screen overlay must never be captured. Only the x11 capture
	// backend can leave the overlay window out of its frames.
	if c.Overlay.Backend == OverlayX11 {
		if !c.Capture.ExcludeSelf {
			errs = append(errs, errors.New("capture.exclude_self: must be true with the x11 overlay"))
		}
		if c.Capture.Backend == CaptureScreenshot || c.Capture.Backend == CapturePortal {
			errs = append(errs, fmt.Errorf("capture.backend %q cannot exclude the x11 overlay; use x11 capture or a preview/headless overlay", c.Capture.Backend))
		}
	}

	if c.Recovery.Pause < 0 || c.Recovery.Pause > 10*time.Second {
		errs = append(errs, fmt.Errorf("recovery.pause: %s out of range 0-10s", c.Recovery.Pause))
	}

	if c.Diagnostics.Enabled {
		if c.Diagnostics.Port < 1 || c.Diagnostics.Port > 65535 {
			errs = append(errs, fmt.Errorf("diagnostics.port: %d out of range", c.Diagnostics.Port))
		}
		if c.Diagnostics.PreviewWidth <= 0 || c.Diagnostics.PreviewHeight <= 0 {
			errs = append(errs, errors.New("diagnostics: preview size must be positive"))
		}
		if c.Diagnostics.PreviewFPS < 1 || c.Diagnostics.PreviewFPS > 60 {
			errs = append(errs, fmt.Errorf("diagnostics.preview_fps: %d out of range 1-60", c.Diagnostics.PreviewFPS))
		}
	}

	return errors.Join(errs...)
}
