package display

import (
	"fmt"

	"github.com/kbinani/screenshot"
)

// ScreenshotEnumerator lists displays through kbinani/screenshot. It works
// wherever that library does but knows nothing about names or DPI.
type ScreenshotEnumerator struct{}

func (ScreenshotEnumerator) Name() string { return "screenshot" }

func (ScreenshotEnumerator) Monitors() ([]Monitor, error) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return nil, ErrNoMonitors
	}
	monitors := make([]Monitor, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		if b.Empty() {
			continue
		}
		monitors = append(monitors, Monitor{
			ID:      fmt.Sprintf("display-%d", i),
			Name:    fmt.Sprintf("Display %d", i),
			Bounds:  b,
			Primary: i == 0,
			DPI:     DefaultDPI,
		})
	}
	if len(monitors) == 0 {
		return nil, ErrNoMonitors
	}
	return monitors, nil
}
