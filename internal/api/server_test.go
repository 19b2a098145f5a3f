package api

import (
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/assets"
	"github.com/bryanchriswhite/ClarityLayer/internal/capture"
	"github.com/bryanchriswhite/ClarityLayer/internal/compositor"
	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/controller"
	"github.com/bryanchriswhite/ClarityLayer/internal/display"
	"github.com/bryanchriswhite/ClarityLayer/internal/gpu"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/output"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/gorilla/websocket"
)

func init() {
	logger.SetOutput(io.Discard)
}

func newServer(t *testing.T, safeMode bool) (*Server, *controller.Controller, *config.Manager) {
	t.Helper()
	mons := display.NewStaticEnumerator(display.Monitor{ID: "A", Bounds: image.Rect(0, 0, 16, 8), Primary: true, DPI: 96})
	backend := capture.NewSynthetic()
	backend.Manual = true
	ctrl := controller.New(
		gpu.NewDevice(gpu.NewSoftwareAdapter(false)),
		capture.NewFrameSource(backend, mons, capture.Options{}),
		transform.NewEngine(),
		compositor.New(compositor.NewHeadless(), compositor.Options{RecoveryPause: time.Millisecond}),
		mons,
		controller.Options{Shaders: assets.Shaders(), SafeMode: safeMode},
	)
	if err := ctrl.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(ctrl.Shutdown)

	mgr, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	preview := output.NewMJPEGOutput(output.Config{Width: 16, Height: 8, FPS: 10})
	return NewServer(ctrl, mgr, preview), ctrl, mgr
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestEnableDisable(t *testing.T) {
	s, ctrl, _ := newServer(t, false)

	if rec := do(t, s, http.MethodPost, "/api/enable", ""); rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d: %s", rec.Code, rec.Body)
	}
	if !ctrl.Enabled() {
		t.Error("not enabled")
	}

	rec := do(t, s, http.MethodGet, "/api/status", "")
	var st controller.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Enabled || len(st.Monitors) != 1 {
		t.Errorf("status = %+v", st)
	}

	if rec := do(t, s, http.MethodPost, "/api/panic", ""); rec.Code != http.StatusOK {
		t.Errorf("panic status = %d", rec.Code)
	}
	if ctrl.Enabled() {
		t.Error("still enabled after panic")
	}
}

func TestEnableInSafeMode(t *testing.T) {
	s, ctrl, mgr := newServer(t, true)
	if rec := do(t, s, http.MethodPost, "/api/enable", ""); rec.Code != http.StatusConflict {
		t.Errorf("enable status = %d, want 409", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/safe-mode/exit", ""); rec.Code != http.StatusOK {
		t.Fatalf("exit safe mode status = %d", rec.Code)
	}
	if ctrl.SafeMode() || mgr.Get().SafeMode {
		t.Error("safe mode still on")
	}
	if rec := do(t, s, http.MethodPost, "/api/enable", ""); rec.Code != http.StatusOK {
		t.Errorf("enable after safe mode status = %d", rec.Code)
	}
}

func TestUpdateParams(t *testing.T) {
	s, ctrl, mgr := newServer(t, false)

	rec := do(t, s, http.MethodPut, "/api/params", `{"contrast": 9, "invert_mode": "full"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var got transform.Params
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Contrast != transform.ContrastMax || got.InvertMode != transform.InvertFull {
		t.Errorf("committed = %+v", got)
	}
	if got.Gamma != 1 {
		t.Errorf("untouched Gamma = %v, want 1", got.Gamma)
	}
	if ctrl.Params() != got {
		t.Errorf("engine params = %+v", ctrl.Params())
	}
	if v := mgr.GetVisual(); v.Contrast != transform.ContrastMax || v.InvertMode != transform.InvertFull {
		t.Errorf("persisted visual = %+v", v)
	}

	if rec := do(t, s, http.MethodPut, "/api/params", `{"contrast": `); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
}

func TestUpdateParamsPublishesOnce(t *testing.T) {
	s, ctrl, _ := newServer(t, false)
	e := ctrl.Engine()

	before := e.Updates()
	body := `{"contrast": 2, "brightness": 0.1, "gamma": 1.2, "saturation": 0.5, "invert_mode": "full", "edge_strength": 0.3}`
	if rec := do(t, s, http.MethodPut, "/api/params", body); rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := e.Updates() - before; got != 1 {
		t.Errorf("PUT published %d parameter changes, want 1", got)
	}
	p := ctrl.Params()
	if p.Contrast != 2 || p.Saturation != 0.5 || p.InvertMode != transform.InvertFull || p.EdgeStrength != 0.3 {
		t.Errorf("params = %+v", p)
	}

	// A body that fails to decode changes nothing.
	before = e.Updates()
	if rec := do(t, s, http.MethodPut, "/api/params", `{"contrast": 3, "gamma": "x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}
	if e.Updates() != before || ctrl.Params().Contrast != 2 {
		t.Errorf("rejected body applied: updates %d -> %d, params %+v", before, e.Updates(), ctrl.Params())
	}
}

func TestMonitorsAndSessions(t *testing.T) {
	s, ctrl, _ := newServer(t, false)
	if err := ctrl.Enable(true); err != nil {
		t.Fatal(err)
	}

	var mons []display.Monitor
	json.NewDecoder(do(t, s, http.MethodGet, "/api/monitors", "").Body).Decode(&mons)
	if len(mons) != 1 || mons[0].ID != "A" {
		t.Errorf("monitors = %v", mons)
	}

	var sessions []capture.SessionInfo
	json.NewDecoder(do(t, s, http.MethodGet, "/api/sessions", "").Body).Decode(&sessions)
	if len(sessions) != 1 {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestUpdateConfigValidates(t *testing.T) {
	s, _, mgr := newServer(t, false)
	if rec := do(t, s, http.MethodPut, "/api/config", `{"capture": {"backend": "nope"}}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid config status = %d", rec.Code)
	}
	if mgr.Get().Capture.Backend == "nope" {
		t.Error("invalid config stored")
	}
	if rec := do(t, s, http.MethodPut, "/api/config", `{"log_level": "debug"}`); rec.Code != http.StatusOK {
		t.Errorf("valid config status = %d: %s", rec.Code, rec.Body)
	}
	if mgr.GetLogLevel() != "debug" {
		t.Errorf("log level = %q", mgr.GetLogLevel())
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newServer(t, false)
	var h Health
	if err := json.NewDecoder(do(t, s, http.MethodGet, "/api/health", "").Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || h.Version != Version || h.Goroutines == 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestPreviewRoutes(t *testing.T) {
	s, _, _ := newServer(t, false)
	if rec := do(t, s, http.MethodGet, "/stream/stats", ""); rec.Code != http.StatusOK {
		t.Errorf("stats status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/stream", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stream status = %d, want 503 before Start", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/viewer", ""); !strings.Contains(rec.Body.String(), "/stream") {
		t.Error("viewer page does not reference the stream")
	}
}

func TestEventsWebSocket(t *testing.T) {
	s, ctrl, _ := newServer(t, false)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if first["type"] != "status" {
		t.Errorf("first message = %v", first)
	}

	if err := ctrl.Enable(true); err != nil {
		t.Fatal(err)
	}
	var e controller.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.Type != controller.EventEnabled {
		t.Errorf("event = %+v, want enabled", e)
	}
}
