package capture

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// X11 captures monitors from the X server. When windows are registered in the
// exclusion set it composes each monitor from the named pixmaps of the
// remaining top-level windows, so the overlay never sees itself.
type X11 struct {
	excluded *display.ExclusionSet

	mu               sync.Mutex
	conn             *xgb.Conn
	root             xproto.Window
	screen           *xproto.ScreenInfo
	compositeEnabled bool
	redirected       bool
	sessions         int
}

// NewX11 returns an X11 backend. The connection is opened by Probe.
func NewX11(excluded *display.ExclusionSet) *X11 {
	return &X11{excluded: excluded}
}

func (c *X11) Name() string { return "x11" }

func (c *X11) Probe() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.WithComponent("x11-capture")

	conn, err := xgb.NewConn()
	if err != nil {
		return Capabilities{Reason: fmt.Sprintf("failed to connect to X server: %v", err)}
	}
	c.conn = conn
	c.screen = xproto.Setup(conn).DefaultScreen(conn)
	c.root = c.screen.Root

	if err := composite.Init(conn); err != nil {
		log.Warn().
			Err(err).
			Msg("Composite extension not available - overlay exclusion disabled")
	} else {
		c.compositeEnabled = true
		log.Info().Msg("Composite extension initialized")
	}

	// GetImage never includes the pointer and draws no border.
	return Capabilities{
		Supported:       true,
		CursorToggle:    true,
		BorderToggle:    true,
		ExcludesOverlay: c.compositeEnabled,
	}
}

func (c *X11) CreateItem(m display.Monitor) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("x11 backend not probed")
	}
	return &x11Item{backend: c, monitor: m}, nil
}

type x11Item struct {
	backend *X11
	monitor display.Monitor
}

func (i *x11Item) Monitor() display.Monitor { return i.monitor }

func (i *x11Item) CreateSession(pool *FramePool, opts SessionOptions) (Producer, error) {
	c := i.backend
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.compositeEnabled && !c.redirected {
		// Automatic redirection keeps windows on screen while their contents
		// stay readable as pixmaps.
		if err := composite.RedirectSubwindowsChecked(c.conn, c.root, composite.RedirectAutomatic).Check(); err != nil {
			logger.WithComponent("x11-capture").Warn().Err(err).Msg("Failed to redirect subwindows")
		} else {
			c.redirected = true
		}
	}
	if opts.ExcludeOverlay && !c.redirected {
		return nil, &gpu.Error{Kind: gpu.CaptureUnsupported, Op: "x11 session",
			Reason: "windows are not redirected, the overlay would be captured"}
	}
	c.sessions++

	bounds := i.monitor.Bounds
	exclude := opts.ExcludeOverlay
	return NewPollProducer(pool, opts.FPS, func() (image.Image, error) {
		return c.captureMonitor(bounds, exclude)
	}, c.sessionClosed), nil
}

func (i *x11Item) Release() {}

func (c *X11) sessionClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions--
	if c.sessions == 0 && c.redirected {
		composite.UnredirectSubwindows(c.conn, c.root, composite.RedirectAutomatic)
		c.redirected = false
	}
}

// captureMonitor composes the monitor from window pixmaps when exclusion is
// required, and reads the root window otherwise.
func (c *X11) captureMonitor(bounds image.Rectangle, exclude bool) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exclude {
		if !c.redirected {
			return nil, &gpu.Error{Kind: gpu.CaptureUnsupported, Op: "x11 capture", Reason: "redirection lost"}
		}
		return c.compose(bounds)
	}
	if c.excluded.Len() == 0 || !c.redirected {
		return c.captureRegion(bounds)
	}
	return c.compose(bounds)
}

// captureRegion captures a region of the root window.
func (c *X11) captureRegion(r image.Rectangle) (*image.RGBA, error) {
	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(c.root),
		int16(r.Min.X), int16(r.Min.Y),
		uint16(r.Dx()), uint16(r.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	convertBGRX(img, image.Point{}, reply.Data, r.Dx(), image.Rect(0, 0, r.Dx(), r.Dy()))
	return img, nil
}

// compose draws every viewable top-level window that is not excluded, bottom
// to top, over black.
func (c *X11) compose(bounds image.Rectangle) (*image.RGBA, error) {
	tree, err := xproto.QueryTree(c.conn, c.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query tree: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}

	for _, win := range tree.Children {
		if c.excluded.Contains(uint32(win)) {
			continue
		}
		attrs, err := xproto.GetWindowAttributes(c.conn, win).Reply()
		if err != nil || attrs.Class != xproto.WindowClassInputOutput || attrs.MapState != xproto.MapStateViewable {
			continue
		}
		geom, err := xproto.GetGeometry(c.conn, xproto.Drawable(win)).Reply()
		if err != nil {
			continue
		}

		bw := int(geom.BorderWidth)
		winRect := image.Rect(int(geom.X), int(geom.Y),
			int(geom.X)+int(geom.Width)+2*bw, int(geom.Y)+int(geom.Height)+2*bw)
		visible := winRect.Intersect(bounds)
		if visible.Empty() {
			continue
		}

		if err := c.drawWindow(img, bounds, win, winRect, visible); err != nil {
			logger.WithComponent("x11-capture").Debug().
				Err(err).
				Uint32("window_id", uint32(win)).
				Msg("Skipping window")
		}
	}
	return img, nil
}

func (c *X11) drawWindow(dst *image.RGBA, bounds image.Rectangle, win xproto.Window, winRect, visible image.Rectangle) error {
	pixmap, err := xproto.NewPixmapId(c.conn)
	if err != nil {
		return err
	}
	if err := composite.NameWindowPixmapChecked(c.conn, win, pixmap).Check(); err != nil {
		return err
	}
	defer xproto.FreePixmap(c.conn, pixmap)

	src := visible.Sub(winRect.Min)
	reply, err := xproto.GetImage(
		c.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(pixmap),
		int16(src.Min.X), int16(src.Min.Y),
		uint16(src.Dx()), uint16(src.Dy()),
		0xffffffff,
	).Reply()
	if err != nil {
		return fmt.Errorf("failed to get image: %w", err)
	}

	convertBGRX(dst, visible.Min.Sub(bounds.Min), reply.Data, src.Dx(), image.Rect(0, 0, src.Dx(), src.Dy()))
	return nil
}

// convertBGRX copies 32-bit BGRX rows of the given width into dst at off,
// forcing alpha to opaque.
func convertBGRX(dst *image.RGBA, off image.Point, data []byte, width int, r image.Rectangle) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := y * width * 4
		if row+width*4 > len(data) {
			return
		}
		d := dst.PixOffset(off.X, off.Y+y)
		for x := 0; x < r.Dx(); x++ {
			s := row + x*4
			dst.Pix[d] = data[s+2]
			dst.Pix[d+1] = data[s+1]
			dst.Pix[d+2] = data[s]
			dst.Pix[d+3] = 255
			d += 4
		}
	}
}

// Close closes the X connection.
func (c *X11) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
