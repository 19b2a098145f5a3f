package display

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/shape"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
)

// Window is the X11 overlay: an override-redirect window spanning the virtual
// screen that takes no input and is registered in the exclusion set.
type Window struct {
	conn     *xgb.Conn
	screen   *xproto.ScreenInfo
	excluded *ExclusionSet

	mu       sync.Mutex
	win      xproto.Window
	gc       xproto.Gcontext
	cmap     xproto.Colormap
	depth    byte
	bounds   image.Rectangle
	mapped   bool
	hasShape bool
}

// NewWindow connects to the X server. The window itself is created by Create.
func NewWindow(excluded *ExclusionSet) (*Window, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	w := &Window{
		conn:     conn,
		screen:   xproto.Setup(conn).DefaultScreen(conn),
		excluded: excluded,
	}
	if err := shape.Init(conn); err != nil {
		logger.WithComponent("display").Warn().
			Err(err).
			Msg("SHAPE extension unavailable, overlay will not be click-through")
	} else {
		w.hasShape = true
	}
	return w, nil
}

// Create makes the overlay window at bounds, unmapped.
func (w *Window) Create(bounds image.Rectangle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	log := logger.WithComponent("display")

	if w.win != 0 {
		return errors.New("overlay window already created")
	}
	if bounds.Empty() {
		return fmt.Errorf("invalid overlay bounds %v", bounds)
	}

	windowID, err := xproto.NewWindowId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	depth := w.screen.RootDepth
	visual := w.screen.RootVisual
	mask := uint32(xproto.CwBackPixel | xproto.CwBorderPixel | xproto.CwOverrideRedirect | xproto.CwEventMask)
	values := []uint32{
		0x000000, // transparent on an ARGB visual, black otherwise
		0,
		1, // override-redirect: unmanaged, never focused
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	if v, ok := argbVisual(w.screen); ok {
		cmap, err := xproto.NewColormapId(w.conn)
		if err == nil {
			err = xproto.CreateColormapChecked(w.conn, xproto.ColormapAllocNone, cmap, w.screen.Root, v).Check()
		}
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create ARGB colormap, using root visual")
		} else {
			depth, visual, w.cmap = 32, v, cmap
			mask |= xproto.CwColormap
			values = append(values, uint32(cmap))
		}
	}

	err = xproto.CreateWindowChecked(
		w.conn,
		depth,
		windowID,
		w.screen.Root,
		int16(bounds.Min.X), int16(bounds.Min.Y),
		uint16(bounds.Dx()), uint16(bounds.Dy()),
		0,
		xproto.WindowClassInputOutput,
		visual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}
	w.win = windowID
	w.depth = depth
	w.bounds = bounds

	if err := w.setWindowTitle("Clarity Layer"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setWindowClass("claritylayer", "ClarityLayer"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}
	if err := w.setClickThroughLocked(); err != nil {
		log.Warn().Err(err).Msg("Failed to clear input region")
	}

	gc, err := xproto.NewGcontextId(w.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(w.conn, gc, xproto.Drawable(w.win), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	w.gc = gc

	if w.excluded != nil {
		w.excluded.Add(uint32(w.win))
	}
	w.conn.Sync()

	log.Info().
		Uint32("window_id", uint32(w.win)).
		Int("depth", int(depth)).
		Str("bounds", bounds.String()).
		Msg("Overlay window created")
	return nil
}

func argbVisual(screen *xproto.ScreenInfo) (xproto.Visualid, bool) {
	for _, d := range screen.AllowedDepths {
		if d.Depth != 32 {
			continue
		}
		for _, v := range d.Visuals {
			if v.Class == xproto.VisualClassTrueColor {
				return v.VisualId, true
			}
		}
	}
	return 0, false
}

// SetClickThrough empties the input region so pointer events fall through.
func (w *Window) SetClickThrough() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.setClickThroughLocked()
}

func (w *Window) setClickThroughLocked() error {
	if !w.hasShape {
		return errors.New("SHAPE extension unavailable")
	}
	return shape.RectanglesChecked(w.conn, shape.SoSet, shape.SkInput, xproto.ClipOrderingUnsorted,
		w.win, 0, 0, nil).Check()
}

// SetBounds moves and resizes the window.
func (w *Window) SetBounds(bounds image.Rectangle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.win == 0 {
		return errors.New("overlay window not created")
	}
	if bounds.Empty() {
		return fmt.Errorf("invalid overlay bounds %v", bounds)
	}
	err := xproto.ConfigureWindowChecked(w.conn, w.win,
		xproto.ConfigWindowX|xproto.ConfigWindowY|xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
		[]uint32{
			uint32(int32(bounds.Min.X)), uint32(int32(bounds.Min.Y)),
			uint32(bounds.Dx()), uint32(bounds.Dy()),
		}).Check()
	if err != nil {
		return fmt.Errorf("failed to configure window: %w", err)
	}
	w.bounds = bounds
	return nil
}

// Show maps the window above everything else.
func (w *Window) Show() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.win == 0 {
		return errors.New("overlay window not created")
	}
	if err := xproto.MapWindowChecked(w.conn, w.win).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}
	xproto.ConfigureWindow(w.conn, w.win, xproto.ConfigWindowStackMode, []uint32{xproto.StackModeAbove})
	w.conn.Sync()
	w.mapped = true
	return nil
}

// Hide unmaps the window.
func (w *Window) Hide() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.win == 0 || !w.mapped {
		return nil
	}
	if err := xproto.UnmapWindowChecked(w.conn, w.win).Check(); err != nil {
		return fmt.Errorf("failed to unmap window: %w", err)
	}
	w.mapped = false
	return nil
}

// ID returns the X window ID, 0 before Create.
func (w *Window) ID() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint32(w.win)
}

// Present uploads img, which must match the window size, in row bands that
// fit the server's maximum request length.
func (w *Window) Present(img *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.win == 0 {
		return errors.New("overlay window not created")
	}
	width, height := img.Rect.Dx(), img.Rect.Dy()
	if width != w.bounds.Dx() || height != w.bounds.Dy() {
		return fmt.Errorf("image size mismatch: got %dx%d, expected %dx%d",
			width, height, w.bounds.Dx(), w.bounds.Dy())
	}

	setup := xproto.Setup(w.conn)
	var bitsPerPixel, scanlinePad byte
	for _, format := range setup.PixmapFormats {
		if format.Depth == w.depth {
			bitsPerPixel = format.BitsPerPixel
			scanlinePad = format.ScanlinePad
			break
		}
	}
	if bitsPerPixel != 32 {
		return fmt.Errorf("unsupported pixmap format for depth %d: %d bpp", w.depth, bitsPerPixel)
	}

	padBytes := int(scanlinePad) / 8
	stride := ((width*4 + padBytes - 1) / padBytes) * padBytes

	// 24 bytes of PutImage header, request length counted in 4-byte units.
	maxBytes := int(setup.MaximumRequestLength)*4 - 24
	rows := max(maxBytes/stride, 1)

	buf := make([]byte, stride*min(rows, height))
	for y0 := 0; y0 < height; y0 += rows {
		n := min(rows, height-y0)
		data := buf[:stride*n]
		for y := 0; y < n; y++ {
			src := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y0+y):]
			dst := data[y*stride:]
			for x := 0; x < width; x++ {
				i := x * 4
				dst[i] = src[i+2]
				dst[i+1] = src[i+1]
				dst[i+2] = src[i]
				if w.depth == 32 {
					dst[i+3] = src[i+3]
				} else {
					dst[i+3] = 0
				}
			}
		}
		xproto.PutImage(
			w.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(w.win),
			w.gc,
			uint16(width), uint16(n),
			0, int16(y0),
			0,
			w.depth,
			data,
		)
	}

	// One round trip per frame surfaces any error from the bands above.
	if _, err := xproto.GetInputFocus(w.conn).Reply(); err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

// Destroy removes the window and closes the connection.
func (w *Window) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.win != 0 {
		if w.excluded != nil {
			w.excluded.Remove(uint32(w.win))
		}
		if w.gc != 0 {
			xproto.FreeGC(w.conn, w.gc)
		}
		xproto.DestroyWindow(w.conn, w.win)
		if w.cmap != 0 {
			xproto.FreeColormap(w.conn, w.cmap)
		}
		w.conn.Sync()
		logger.WithComponent("display").Info().
			Uint32("window_id", uint32(w.win)).
			Msg("Overlay window destroyed")
	}
	w.win, w.gc, w.cmap = 0, 0, 0
	w.conn.Close()
}

func (w *Window) setWindowTitle(title string) error {
	titleAtom, err := w.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.win,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (w *Window) setWindowClass(instance, class string) error {
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		w.conn,
		xproto.PropModeReplace,
		w.win,
		xproto.AtomWmClass,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (w *Window) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
