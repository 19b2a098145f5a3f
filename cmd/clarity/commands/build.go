package commands

import (
	"fmt"
	"image"
	"io/fs"
	"os"

	"github.com/bryanchriswhite/ClarityLayer/assets"
	"github.com/bryanchriswhite/ClarityLayer/internal/capture"
	"github.com/bryanchriswhite/ClarityLayer/internal/capture/portal"
	"github.com/bryanchriswhite/ClarityLayer/internal/compositor"
	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
)

// closers collects cleanup in reverse order of construction.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func buildEnumerator(cfg *config.Config, cleanup *closers) (display.Enumerator, error) {
	switch cfg.Display.Backend {
	case config.DisplayRandr:
		r, err := display.NewRandrEnumerator()
		if err != nil {
			return nil, err
		}
		cleanup.add(r.Close)
		return r, nil
	case config.DisplayScreenshot:
		return display.ScreenshotEnumerator{}, nil
	case config.DisplayStatic:
		return display.NewStaticEnumerator(staticMonitors(cfg.Display.Monitors)...), nil
	}
	return nil, fmt.Errorf("unknown display backend %q", cfg.Display.Backend)
}

func staticMonitors(list []config.StaticMonitor) []display.Monitor {
	out := make([]display.Monitor, 0, len(list))
	for i, m := range list {
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("static-%d", i)
		}
		dpi := m.DPI
		if dpi == 0 {
			dpi = display.DefaultDPI
		}
		out = append(out, display.Monitor{
			ID:      id,
			Name:    m.Name,
			Bounds:  image.Rect(m.X, m.Y, m.X+m.Width, m.Y+m.Height),
			Primary: m.Primary,
			DPI:     dpi,
		})
	}
	return out
}

func buildCapture(cfg *config.Config, excluded *display.ExclusionSet, configDir string, cleanup *closers) (capture.Backend, error) {
	switch cfg.Capture.Backend {
	case config.CaptureX11:
		x := capture.NewX11(excluded)
		cleanup.add(x.Close)
		return x, nil
	case config.CaptureScreenshot:
		return capture.Screenshot{}, nil
	case config.CapturePortal:
		return portal.New(configDir), nil
	case config.CaptureSynthetic:
		return capture.NewSynthetic(), nil
	}
	return nil, fmt.Errorf("unknown capture backend %q", cfg.Capture.Backend)
}

// overlayOnScreen reports whether the overlay is a real window that capture
// could see.
func overlayOnScreen(cfg *config.Config) bool {
	return cfg.Overlay.Backend == config.OverlayX11
}

func buildSurface(cfg *config.Config, excluded *display.ExclusionSet) (compositor.Surface, error) {
	switch cfg.Overlay.Backend {
	case config.OverlayX11:
		w, err := display.NewWindow(excluded)
		if err != nil {
			return nil, fmt.Errorf("failed to open overlay window: %w", err)
		}
		return w, nil
	case config.OverlayPreview, config.OverlayHeadless:
		return compositor.NewHeadless(), nil
	}
	return nil, fmt.Errorf("unknown overlay backend %q", cfg.Overlay.Backend)
}

// shaderFS returns the configured shader directory or the embedded shaders.
func shaderFS(cfg *config.Config) fs.FS {
	if cfg.ShadersPath != "" {
		return os.DirFS(cfg.ShadersPath)
	}
	return assets.Shaders()
}
