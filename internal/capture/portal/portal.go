package portal

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal handles xdg-desktop-portal screen casting via D-Bus
type Portal struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	mu            sync.Mutex
	restoreToken  string
	tokenPath     string
}

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
)

// Source types for SelectSources
const (
	SourceTypeMonitor = 1 << 0
	SourceTypeWindow  = 1 << 1
	SourceTypeVirtual = 1 << 2
)

// Cursor modes for SelectSources
const (
	CursorModeHidden   = 1 << 0
	CursorModeEmbedded = 1 << 1
	CursorModeMetadata = 1 << 2
)

// Persist modes for SelectSources
const (
	PersistModeNone        = 0
	PersistModeApplication = 1
	PersistModeSession     = 2
)

// Stream is one PipeWire stream granted by the portal.
type Stream struct {
	NodeID uint32
	// Position and Size are in compositor coordinates; HasPosition is false
	// when the portal did not report them.
	Position    image.Point
	Size        image.Point
	HasPosition bool
}

var requestSeq atomic.Uint32

// NewPortal creates a new portal client. The restore token is kept in tokenDir.
func NewPortal(tokenDir string) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	p := &Portal{
		conn:      conn,
		tokenPath: filepath.Join(tokenDir, "portal_token"),
	}
	p.loadRestoreToken()
	return p, nil
}

// Close closes the portal session and connection
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(
			"org.freedesktop.portal.Session.Close", 0,
		)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

// Available reports whether a portal implementation owns the bus name.
func (p *Portal) Available() bool {
	var has bool
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, portalService).Store(&has); err != nil {
		return false
	}
	return has
}

// CursorModes returns the AvailableCursorModes bitmask.
func (p *Portal) CursorModes() (uint32, error) {
	v, err := p.conn.Object(portalService, portalPath).GetProperty(screenCastIface + ".AvailableCursorModes")
	if err != nil {
		return 0, err
	}
	modes, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected AvailableCursorModes type %T", v.Value())
	}
	return modes, nil
}

// StartScreenCast creates a session selecting all monitors and returns their
// streams.
func (p *Portal) StartScreenCast(cursorMode uint32) ([]Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")

	sessionHandle, err := p.createSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	p.sessionHandle = sessionHandle
	log.Debug().Str("session", string(sessionHandle)).Msg("Created portal session")

	if err := p.selectSources(sessionHandle, cursorMode); err != nil {
		return nil, fmt.Errorf("failed to select sources: %w", err)
	}
	log.Debug().Msg("Selected sources")

	streams, err := p.start(sessionHandle)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	log.Info().Int("streams", len(streams)).Msg("Screen cast started")
	return streams, nil
}

func token(prefix string) string {
	return fmt.Sprintf("clarity_%s_%d_%d", prefix, os.Getpid(), requestSeq.Add(1))
}

// request calls method and waits for the matching Request.Response signal.
func (p *Portal) request(method string, timeout time.Duration, args ...any) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)

	// Set up response channel BEFORE making the call
	responseChan := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(responseChan)
	defer p.conn.RemoveSignal(responseChan)

	var requestPath dbus.ObjectPath
	if err := obj.Call(screenCastIface+"."+method, 0, args...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	log.Info().Str("request_path", string(requestPath)).Msgf("Waiting for %s response", method)

	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, fmt.Errorf("invalid %s response", method)
			}
			response, _ := sig.Body[0].(uint32)
			if response != 0 {
				return nil, fmt.Errorf("%s denied (code %d)", method, response)
			}
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			return results, nil
		}
	}
}

func (p *Portal) createSession() (dbus.ObjectPath, error) {
	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token("create")),
		"session_handle_token": dbus.MakeVariant(token("session")),
	}
	results, err := p.request("CreateSession", 30*time.Second, options)
	if err != nil {
		return "", err
	}
	sessionHandle, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	// Handle both string and ObjectPath types
	switch v := sessionHandle.Value().(type) {
	case dbus.ObjectPath:
		return v, nil
	case string:
		return dbus.ObjectPath(v), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", v)
	}
}

func (p *Portal) selectSources(sessionHandle dbus.ObjectPath, cursorMode uint32) error {
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token("select")),
		"types":        dbus.MakeVariant(uint32(SourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(true),
		"cursor_mode":  dbus.MakeVariant(cursorMode),
		"persist_mode": dbus.MakeVariant(uint32(PersistModeApplication)),
	}
	if p.restoreToken != "" {
		options["restore_token"] = dbus.MakeVariant(p.restoreToken)
		logger.WithComponent("portal").Debug().Msg("Using saved restore token")
	}
	// The user may have to pick monitors in a dialog.
	_, err := p.request("SelectSources", 60*time.Second, sessionHandle, options)
	return err
}

func (p *Portal) start(sessionHandle dbus.ObjectPath) ([]Stream, error) {
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token("start")),
	}
	results, err := p.request("Start", 30*time.Second, sessionHandle, "", options)
	if err != nil {
		return nil, err
	}

	if restoreToken, ok := results["restore_token"]; ok {
		if t, ok := restoreToken.Value().(string); ok {
			p.restoreToken = t
			p.saveRestoreToken()
		}
	}

	v, ok := results["streams"]
	if !ok {
		return nil, fmt.Errorf("no streams in response")
	}
	streams := parseStreams(v.Value())
	if len(streams) == 0 {
		return nil, fmt.Errorf("no streams in response (%T)", v.Value())
	}
	return streams, nil
}

// parseStreams decodes a(ua{sv}). godbus yields either [][]interface{} or
// []interface{} of []interface{} depending on signature handling.
func parseStreams(v any) []Stream {
	var entries [][]any
	switch t := v.(type) {
	case [][]any:
		entries = t
	case []any:
		for _, e := range t {
			if s, ok := e.([]any); ok {
				entries = append(entries, s)
			}
		}
	}

	var out []Stream
	for _, e := range entries {
		if len(e) == 0 {
			continue
		}
		node, ok := e[0].(uint32)
		if !ok {
			continue
		}
		s := Stream{NodeID: node}
		if len(e) > 1 {
			if props, ok := e[1].(map[string]dbus.Variant); ok {
				if pos, ok := pair(props["position"]); ok {
					s.Position, s.HasPosition = pos, true
				}
				if size, ok := pair(props["size"]); ok {
					s.Size = size
				}
			}
		}
		out = append(out, s)
	}
	return out
}

func pair(v dbus.Variant) (image.Point, bool) {
	vals, ok := v.Value().([]any)
	if !ok || len(vals) != 2 {
		return image.Point{}, false
	}
	x, ok1 := vals[0].(int32)
	y, ok2 := vals[1].(int32)
	if !ok1 || !ok2 {
		return image.Point{}, false
	}
	return image.Pt(int(x), int(y)), true
}

func (p *Portal) loadRestoreToken() {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return
	}
	var token struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return
	}
	p.restoreToken = token.Token
}

func (p *Portal) saveRestoreToken() {
	if p.restoreToken == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.tokenPath), 0755); err != nil {
		return
	}
	data, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: p.restoreToken})
	if err != nil {
		return
	}
	if err := os.WriteFile(p.tokenPath, data, 0600); err != nil {
		logger.WithComponent("portal").Warn().Err(err).Msg("Failed to save restore token")
	}
}
