package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// RandrEnumerator lists active CRTCs through the X RandR extension.
type RandrEnumerator struct {
	conn *xgb.Conn
	root xproto.Window
	mu   sync.Mutex
}

// NewRandrEnumerator connects to the X server named by $DISPLAY.
func NewRandrEnumerator() (*RandrEnumerator, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	if err := randr.Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("randr extension not available: %w", err)
	}
	root := xproto.Setup(conn).DefaultScreen(conn).Root
	return &RandrEnumerator{conn: conn, root: root}, nil
}

func (r *RandrEnumerator) Name() string { return "randr" }

// Monitors returns one entry per connected output driven by a CRTC.
func (r *RandrEnumerator) Monitors() ([]Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := randr.GetScreenResourcesCurrent(r.conn, r.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	var primary randr.Output
	if p, err := randr.GetOutputPrimary(r.conn, r.root).Reply(); err == nil {
		primary = p.Output
	}

	var monitors []Monitor
	for _, out := range res.Outputs {
		info, err := randr.GetOutputInfo(r.conn, out, res.ConfigTimestamp).Reply()
		if err != nil {
			logger.WithComponent("display").Debug().
				Err(err).
				Uint32("output", uint32(out)).
				Msg("Skipping output")
			continue
		}
		if info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
			continue
		}
		crtc, err := randr.GetCrtcInfo(r.conn, info.Crtc, res.ConfigTimestamp).Reply()
		if err != nil || crtc.Width == 0 || crtc.Height == 0 {
			continue
		}

		name := string(info.Name)
		monitors = append(monitors, Monitor{
			ID:      name,
			Name:    name,
			Bounds:  image.Rect(int(crtc.X), int(crtc.Y), int(crtc.X)+int(crtc.Width), int(crtc.Y)+int(crtc.Height)),
			Primary: out == primary,
			DPI:     dpiFromMM(int(crtc.Width), info.MmWidth),
		})
	}

	if len(monitors) == 0 {
		return nil, ErrNoMonitors
	}
	return monitors, nil
}

// Close closes the X connection.
func (r *RandrEnumerator) Close() {
	r.conn.Close()
}
