// Package api serves the controller's HTTP interface: live status, stored
// cycles, scenario summaries, an HTML run report and a websocket stream.
package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/pedal.guard/internal/cyclelog"
	"github.com/banshee-data/pedal.guard/internal/db"
	"github.com/banshee-data/pedal.guard/internal/httputil"
	"github.com/banshee-data/pedal.guard/internal/serialmux"
	"github.com/banshee-data/pedal.guard/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultCycleLimit = 200
	maxCycleLimit     = 10000
)

type Server struct {
	m        serialmux.SerialMuxInterface
	db       *db.DB
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer builds the API. m and database may be nil; the routes that
// need them then answer 503.
func NewServer(m serialmux.SerialMuxInterface, database *db.DB, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		m:   m,
		db:  database,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Hub returns the hub the control loop publishes to.
func (s *Server) Hub() *Hub { return s.hub }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer, which
// the websocket upgrade needs for Hijack.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades bypass the wrapper so the connection can be hijacked.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			log.Printf("[ws] %s %s%s%s closed after %v", r.Method, colorCyan, r.RequestURI, colorReset, time.Since(start).Round(time.Millisecond))
			return
		}
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/cycles", s.listCycles)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/scenarios", s.listScenarios)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/stream", s.streamCycles)
	mux.HandleFunc("/command", s.sendCommandHandler)
	return mux
}

type statusResponse struct {
	Version     string     `json:"version"`
	Lockout     string     `json:"lockout"`
	HasCycle    bool       `json:"has_cycle"`
	Cycle       *CycleView `json:"cycle,omitempty"`
	Subscribers int        `json:"stream_subscribers"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	resp := statusResponse{
		Version:     version.String(),
		Lockout:     "idle",
		Subscribers: s.hub.Subscribers(),
	}
	if v, ok := s.hub.Latest(); ok {
		resp.HasCycle = true
		resp.Cycle = &v
		if v.Lockout {
			resp.Lockout = "active"
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", defaultCycleLimit, 1, maxCycleLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runID, err := s.resolveRun(r.URL.Query().Get("run"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}

	cycles, err := s.db.Cycles(runID, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve cycles: %v", err))
		return
	}
	views := make([]CycleView, len(cycles))
	for i, c := range cycles {
		views[i] = ViewOf(cyclelog.FromDBCycle(c))
	}
	httputil.WriteJSONOK(w, views)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	runs, err := s.db.Runs()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listScenarios(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no database configured")
		return
	}
	summaries, err := s.db.ScenarioSummaries()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve scenario summaries: %v", err))
		return
	}
	if summaries == nil {
		summaries = []db.ScenarioSummary{}
	}
	httputil.WriteJSONOK(w, summaries)
}

// resolveRun maps "" and "latest" to the newest run id.
func (s *Server) resolveRun(run string) (string, error) {
	if run != "" && run != "latest" {
		return run, nil
	}
	latest, err := s.db.LatestRun()
	if err != nil {
		return "", err
	}
	return latest.ID, nil
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, "no runs recorded")
		return
	}
	httputil.InternalServerError(w, err.Error())
}

// sendCommandHandler forwards a raw bridge command, e.g. B1 to test the
// buzzer during installation.
func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.m == nil {
		http.Error(w, "No bridge attached", http.StatusServiceUnavailable)
		return
	}
	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}
