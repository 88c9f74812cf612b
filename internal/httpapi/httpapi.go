// Package httpapi exposes the daemon's REST and WebSocket surface. Read
// endpoints serve the in-memory snapshot and never touch the device; listing
// and control endpoints forward to the device client on demand.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tverberg/beaglecamd/internal/core/device"
	"github.com/tverberg/beaglecamd/internal/core/poll"
	"github.com/tverberg/beaglecamd/internal/core/state"
	"github.com/tverberg/beaglecamd/internal/observability"
)

// Controller is the slice of the device client the API needs.
type Controller interface {
	GetPrintFiles(ctx context.Context) (*device.FileList, error)
	GetTemperatureLogs(ctx context.Context) (*device.FileList, error)
	GetTimelapseVideos(ctx context.Context) (*device.FileList, error)
	GetPrinterSettings(ctx context.Context) (*device.PrinterSettings, error)
	GcodeURL(name string) string
	TemperatureLogURL(name string) string
	TimelapseURL(name string) string
	StreamURL(withCredentials bool) string

	StartPrint(ctx context.Context, filename string) error
	PausePrint(ctx context.Context) error
	StopPrint(ctx context.Context) error
	ConnectPrinter(ctx context.Context) error
	DisconnectPrinter(ctx context.Context) error
}

// Poller reports the coordinator's availability state.
type Poller interface {
	Mode() poll.Mode
	RetryAt() time.Time
}

// Config holds HTTP API server configuration.
type Config struct {
	Addr    string
	CORSAll bool
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	ctrl     Controller
	store    state.Reader
	bus      *state.EventBus
	poller   Poller
	log      *slog.Logger
	srv      *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg Config, ctrl Controller, store state.Reader, bus *state.EventBus, poller Poller, log *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		store:  store,
		bus:    bus,
		poller: poller,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return cfg.CORSAll
			},
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/printer", s.handlePrinter)
	mux.HandleFunc("GET /api/job", s.handleJob)
	mux.HandleFunc("GET /api/camera", s.handleCamera)
	mux.HandleFunc("GET /api/stream-url", s.handleStreamURL)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/timelapse", s.handleTimelapse)
	mux.HandleFunc("GET /api/tlog", s.handleTemperatureLogs)
	mux.HandleFunc("GET /api/settings", s.handleSettings)

	mux.HandleFunc("POST /api/print/start", s.handlePrintStart)
	mux.HandleFunc("POST /api/print/pause", s.handlePrintPause)
	mux.HandleFunc("POST /api/print/stop", s.handlePrintStop)
	mux.HandleFunc("POST /api/printer/connect", s.handlePrinterConnect)
	mux.HandleFunc("POST /api/printer/disconnect", s.handlePrinterDisconnect)

	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", observability.Handler())

	var handler http.Handler = mux
	handler = observability.Middleware(handler)
	if cfg.CORSAll {
		handler = corsAll(handler)
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the server until ListenAndServe returns.
func (s *Server) Start() error {
	s.log.Info("HTTP API listening", "addr", s.cfg.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("HTTP API stopping")
	return s.srv.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Read endpoints
// ---------------------------------------------------------------------------

// statusResponse wraps the snapshot with the coordinator's availability view.
type statusResponse struct {
	Mode         string           `json:"mode"`
	LastUpdateOK bool             `json:"last_update_ok"`
	RetryAt      *time.Time       `json:"retry_at,omitempty"`
	Snapshot     *state.Aggregate `json:"snapshot,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Mode:         s.poller.Mode().String(),
		LastUpdateOK: s.store.LastUpdateOK(),
		Snapshot:     s.store.Snapshot(),
	}
	if s.poller.Mode() == poll.ModeProbing {
		retry := s.poller.RetryAt()
		resp.RetryAt = &retry
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrinter(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil || snap.Printer == nil {
		s.writeError(w, http.StatusNotFound, "no printer state yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Printer)
}

func (s *Server) handleJob(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil || snap.Job == nil {
		s.writeError(w, http.StatusNotFound, "no job state yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Job)
}

func (s *Server) handleCamera(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil || snap.Camera == nil {
		s.writeError(w, http.StatusNotFound, "no camera identity yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Camera)
}

func (s *Server) handleStreamURL(w http.ResponseWriter, r *http.Request) {
	withCreds := r.URL.Query().Get("credentials") == "true"
	s.writeJSON(w, http.StatusOK, map[string]string{
		"stream_url": s.ctrl.StreamURL(withCreds),
	})
}

// fileResponse is a file listing entry enriched with its download URL.
type fileResponse struct {
	Name string `json:"name"`
	Size string `json:"size,omitempty"`
	Time string `json:"time,omitempty"`
	URL  string `json:"url"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	s.listFiles(w, r, s.ctrl.GetPrintFiles, s.ctrl.GcodeURL)
}

func (s *Server) handleTimelapse(w http.ResponseWriter, r *http.Request) {
	s.listFiles(w, r, s.ctrl.GetTimelapseVideos, s.ctrl.TimelapseURL)
}

func (s *Server) handleTemperatureLogs(w http.ResponseWriter, r *http.Request) {
	s.listFiles(w, r, s.ctrl.GetTemperatureLogs, s.ctrl.TemperatureLogURL)
}

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request, fetch func(context.Context) (*device.FileList, error), urlFor func(string) string) {
	list, err := fetch(r.Context())
	if err != nil {
		s.deviceError(w, err)
		return
	}

	out := make([]fileResponse, 0, len(list.Files))
	for _, f := range list.Files {
		out = append(out, fileResponse{
			Name: f.Name,
			Size: f.Len,
			Time: f.Time,
			URL:  urlFor(f.Name),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": list.Count,
		"files": out,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.ctrl.GetPrinterSettings(r.Context())
	if err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

// ---------------------------------------------------------------------------
// Control endpoints
// ---------------------------------------------------------------------------

type startPrintRequest struct {
	Filename string `json:"filename"`
}

func (s *Server) handlePrintStart(w http.ResponseWriter, r *http.Request) {
	var req startPrintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Filename == "" {
		s.writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	s.control(w, r, "start print", func(ctx context.Context) error {
		return s.ctrl.StartPrint(ctx, req.Filename)
	})
}

func (s *Server) handlePrintPause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "pause print", s.ctrl.PausePrint)
}

func (s *Server) handlePrintStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop print", s.ctrl.StopPrint)
}

func (s *Server) handlePrinterConnect(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "connect printer", s.ctrl.ConnectPrinter)
}

func (s *Server) handlePrinterDisconnect(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "disconnect printer", s.ctrl.DisconnectPrinter)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) error) {
	s.log.Info("API command", "action", action)
	if err := fn(r.Context()); err != nil {
		s.log.Error("API command failed", "action", action, "error", err)
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// WebSocket events
// ---------------------------------------------------------------------------

// handleEvents upgrades to a WebSocket and streams state events. Each
// connection gets its own bus subscription; slow readers drop events instead
// of stalling the poller.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	// Reader goroutine: we never expect client messages, but reading is how
	// the close handshake and connection loss surface.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Send the current snapshot up front so clients do not wait a full poll
	// interval for their first state.
	if snap := s.store.Snapshot(); snap != nil {
		first := state.Event{Type: state.EventUpdate, Timestamp: time.Now(), Snapshot: snap}
		if err := conn.WriteJSON(first); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed, closing", "error", err)
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// deviceError maps a device client failure onto an HTTP status.
func (s *Server) deviceError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var re *device.ResultError
	if errors.As(err, &re) {
		// The device reached the printer but refused the command.
		status = http.StatusConflict
	}
	s.writeError(w, status, err.Error())
}

// corsAll allows cross-origin requests from anywhere.
func corsAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
