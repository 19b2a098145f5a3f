package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/bryanchriswhite/ClarityLayer/internal/config"
	"github.com/bryanchriswhite/ClarityLayer/internal/controller"
	"github.com/bryanchriswhite/ClarityLayer/internal/logger"
	"github.com/bryanchriswhite/ClarityLayer/internal/output"
	"github.com/bryanchriswhite/ClarityLayer/internal/transform"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server represents the local diagnostics and control API
type Server struct {
	router    *mux.Router
	ctrl      *controller.Controller
	configMgr *config.Manager
	preview   *output.MJPEGOutput
	upgrader  websocket.Upgrader
	started   time.Time
}

// NewServer creates a new API server. configMgr and preview may be nil.
func NewServer(ctrl *controller.Controller, configMgr *config.Manager, preview *output.MJPEGOutput) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		configMgr: configMgr,
		preview:   preview,
		started:   time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Loopback only
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Enhancement state
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/enable", s.handleEnable).Methods("POST")
	api.HandleFunc("/disable", s.handleDisable).Methods("POST")
	api.HandleFunc("/panic", s.handlePanic).Methods("POST")
	api.HandleFunc("/safe-mode/exit", s.handleExitSafeMode).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	// Parameters
	api.HandleFunc("/params", s.handleGetParams).Methods("GET")
	api.HandleFunc("/params", s.handleUpdateParams).Methods("PUT")

	// Topology
	api.HandleFunc("/monitors", s.handleMonitors).Methods("GET")
	api.HandleFunc("/sessions", s.handleSessions).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.preview != nil {
		s.router.HandleFunc("/stream", s.preview.GetHTTPHandler()).Methods("GET")
		s.router.HandleFunc("/stream/stats", s.preview.GetStatsHandler()).Methods("GET")
		s.router.HandleFunc("/viewer", s.preview.GetViewerHandler()).Methods("GET")
	}

	s.router.HandleFunc("/", s.handleIndex).Methods("GET")
}

// Handler returns the router with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on 127.0.0.1:port until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.WithComponent("api").Info().Str("addr", "http://"+srv.Addr).Msg("Starting API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Enable(true); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, controller.ErrSafeMode) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeStatus(w)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Enable(false); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeStatus(w)
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	s.ctrl.DisableAllEffects()
	writeStatus(w)
}

func (s *Server) handleExitSafeMode(w http.ResponseWriter, r *http.Request) {
	s.ctrl.ExitSafeMode()
	if s.configMgr != nil {
		if err := s.configMgr.SetSafeMode(false); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeStatus(w)
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Params())
}

// handleUpdateParams merges the body over the current parameters and
// publishes the result as one change. Values are clamped by the engine; the
// response carries what was committed.
func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	committed, err := s.ctrl.Engine().Update(func(p *transform.Params) error {
		return json.Unmarshal(body, p)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.configMgr != nil {
		v := s.configMgr.GetVisual()
		if err := s.configMgr.SetVisual(withParams(v, committed)); err != nil {
			logger.WithComponent("api").Warn().Err(err).Msg("Failed to persist parameters")
		}
	}
	writeJSON(w, http.StatusOK, committed)
}

func withParams(v transform.VisualSettings, p transform.Params) transform.VisualSettings {
	v.Contrast = p.Contrast
	v.Brightness = p.Brightness
	v.Gamma = p.Gamma
	v.Saturation = p.Saturation
	v.InvertMode = p.InvertMode
	v.EdgeStrength = p.EdgeStrength
	return v
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Monitors())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Sessions())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no config file", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no config file", http.StatusNotFound)
		return
	}
	cfg := s.configMgr.Get()
	if err := json.NewDecoder(r.Body).Decode(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.configMgr.Update(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeStatus(w)
}

// handleEvents streams controller events over a websocket, starting with the
// current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan controller.Event, 16)
	cancel := s.ctrl.Subscribe(func(e controller.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer cancel()

	// Reader detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "status", "status": s.ctrl.Status()}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-closed:
			return
		case e := <-events:
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

// Health is the process health snapshot.
type Health struct {
	Status     string  `json:"status"`
	Version    string  `json:"version"`
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	Threads    int32   `json:"threads,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:     "healthy",
		Version:    Version,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfo(); err == nil {
			h.RSSBytes = mem.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			h.CPUPercent = cpu
		}
		if n, err := p.NumThreads(); err == nil {
			h.Threads = n
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Clarity Layer</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 40px auto; padding: 20px; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
        button { font-size: 1.2em; margin-right: 8px; }
    </style>
</head>
<body>
    <h1>Clarity Layer</h1>
    <p>
        <button onclick="fetch('/api/enable', {method: 'POST'})">Enable</button>
        <button onclick="fetch('/api/disable', {method: 'POST'})">Disable</button>
        <button onclick="fetch('/api/panic', {method: 'POST'})">Panic off</button>
    </p>
    <ul>
        <li><a href="/api/status">/api/status</a> - state and liveness</li>
        <li><a href="/api/params">/api/params</a> - transform parameters</li>
        <li><a href="/api/monitors">/api/monitors</a> - monitor layout</li>
        <li><a href="/api/sessions">/api/sessions</a> - capture sessions</li>
        <li><a href="/api/health">/api/health</a> - process health</li>
        <li><a href="/viewer">/viewer</a> - overlay preview</li>
    </ul>
    <pre id="events"></pre>
    <script>
        const ws = new WebSocket('ws://' + location.host + '/api/events');
        ws.onmessage = (m) => { document.getElementById('events').textContent = m.data + '\n' + document.getElementById('events').textContent; };
    </script>
</body>
</html>`
