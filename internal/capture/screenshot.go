package capture

import (
	"image"

	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/kbinani/screenshot"
)

// Screenshot captures through kbinani/screenshot. It cannot leave any window
// out, so it is only paired with overlays that are not on screen.
type Screenshot struct{}

func (Screenshot) Name() string { return "screenshot" }

func (Screenshot) Probe() Capabilities {
	if screenshot.NumActiveDisplays() <= 0 {
		return Capabilities{Reason: "no active displays"}
	}
	return Capabilities{Supported: true, CursorToggle: true, BorderToggle: true}
}

func (Screenshot) CreateItem(m display.Monitor) (Item, error) {
	return screenshotItem{monitor: m}, nil
}

type screenshotItem struct {
	monitor display.Monitor
}

func (i screenshotItem) Monitor() display.Monitor { return i.monitor }

func (i screenshotItem) CreateSession(pool *FramePool, opts SessionOptions) (Producer, error) {
	bounds := i.monitor.Bounds
	return NewPollProducer(pool, opts.FPS, func() (image.Image, error) {
		return screenshot.CaptureRect(bounds)
	}, nil), nil
}

func (screenshotItem) Release() {}
