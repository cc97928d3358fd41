// Package api serves the engine's latest state, its stored history and a
// live websocket stream over HTTP.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/biostate.report/internal/baseline"
	"github.com/banshee-data/biostate.report/internal/buffer"
	"github.com/banshee-data/biostate.report/internal/db"
	"github.com/banshee-data/biostate.report/internal/engine"
	"github.com/banshee-data/biostate.report/internal/monitoring"
	"github.com/banshee-data/biostate.report/internal/serialmux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ANSI escape codes for the access log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StateSource is the live engine. *engine.Engine implements it.
type StateSource interface {
	Slot() *engine.Slot
	SessionID() string
	Store() *buffer.Store
	Profile() (baseline.Profile, bool)
	Calibration() baseline.Progress
	Recalibrate() bool
}

// History is the stored session data. *db.DB implements it.
type History interface {
	ListSessions(limit int) ([]db.Session, error)
	LatestBaseline(sessionID string) (*db.BaselineRecord, error)
	Transitions(sessionID string, r db.TimeRange) ([]db.TransitionRecord, error)
	Ticks(sessionID string, r db.TimeRange) ([]db.TickRecord, error)
}

type Server struct {
	engine  StateSource
	history History
	m       serialmux.Mux

	upgrader websocket.Upgrader
	logf     func(string, ...interface{})
}

// NewServer creates the API server. history and m may be nil; the routes
// needing them then answer 503.
func NewServer(e StateSource, history History, m serialmux.Mux) *Server {
	return &Server{
		engine:  e,
		history: history,
		m:       m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			// dashboards are served from other origins on the local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logf: monitoring.Component("api"),
	}
}

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

// Hijack hands the connection to the websocket upgrader.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 100 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes, /healthz and /metrics.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/baseline", s.showBaseline)
	mux.HandleFunc("/api/buffers", s.showBuffers)
	mux.HandleFunc("/api/recalibrate", s.recalibrate)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/transitions", s.listTransitions)
	mux.HandleFunc("/api/ticks", s.listTicks)
	mux.HandleFunc("/api/stream", s.stream)
	mux.HandleFunc("/api/charts/timeline", s.timelineChart)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/healthz", s.healthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
