package display

import (
	"context"
	"slices"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Change is reported by Watch when the monitor set differs from the last poll.
type Change struct {
	Monitors []Monitor
	// Layout is set when outputs were added, removed or moved.
	Layout bool
	// DPI is set when the primary monitor's DPI changed.
	DPI bool
	// PrimaryDPI is the primary monitor's DPI after the change.
	PrimaryDPI int
}

// Watch polls e every interval until ctx is done and calls fn with each
// change. baseline is the layout the caller already acts on; the first poll
// that differs from it is reported.
func Watch(ctx context.Context, e Enumerator, baseline []Monitor, interval time.Duration, fn func(Change)) {
	log := logger.WithComponent("display")
	if interval <= 0 {
		interval = 2 * time.Second
	}

	last := slices.Clone(baseline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().
		Str("enumerator", e.Name()).
		Dur("interval", interval).
		Msg("Display watcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := e.Monitors()
			if err != nil {
				log.Debug().Err(err).Msg("Monitor enumeration failed")
				continue
			}
			ch, changed := diff(last, cur)
			if !changed {
				continue
			}
			last = cur
			log.Info().
				Int("monitors", len(cur)).
				Bool("layout", ch.Layout).
				Bool("dpi", ch.DPI).
				Msg("Display configuration changed")
			fn(ch)
		}
	}
}

func diff(old, cur []Monitor) (Change, bool) {
	ch := Change{Monitors: cur, Layout: !SameLayout(old, cur)}
	op, okOld := Primary(old)
	np, okNew := Primary(cur)
	if okNew {
		ch.PrimaryDPI = np.DPI
	}
	if okOld && okNew && op.DPI != np.DPI {
		ch.DPI = true
	}
	return ch, ch.Layout || ch.DPI
}
