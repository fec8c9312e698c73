// Package api exposes the pipeline state over HTTP: the latest solved
// position per tag, the stored trail, per-tick metrics, the active
// configuration, and a WebSocket feed of live solves.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/position.report/internal/binner"
	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/httputil"
	"github.com/banshee-data/position.report/internal/locator"
	"github.com/banshee-data/position.report/internal/units"
	"github.com/banshee-data/position.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server serves the localization API. The store may be nil when history
// persistence is disabled.
type Server struct {
	loc   *locator.Coordinator
	store *db.DB
	cfg   *config.Config
}

// NewServer creates an API server over the coordinator and (optionally) the
// history store.
func NewServer(loc *locator.Coordinator, store *db.DB, cfg *config.Config) *Server {
	return &Server{loc: loc, store: store, cfg: cfg}
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

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
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

// ServeMux returns the API routes, rooted at "/".
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/position", s.showPosition)
	mux.HandleFunc("/history", s.showHistory)
	mux.HandleFunc("/metrics", s.showMetrics)
	mux.HandleFunc("/config", s.showConfig)
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/stream", s.streamPositions)
	return mux
}

// tagParam parses the optional ?tag= query parameter, defaulting to the
// configured single-tag slot.
func (s *Server) tagParam(r *http.Request) (binner.TagID, bool) {
	q := r.URL.Query().Get("tag")
	if q == "" {
		return binner.TagID(s.cfg.GetTagID()), true
	}
	n, err := strconv.ParseUint(q, 10, 32)
	if err != nil {
		return 0, false
	}
	return binner.TagID(n), true
}

// unitsParam parses the optional ?units= query parameter.
func unitsParam(r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return units.CM, true
	}
	if !units.IsValid(u) {
		return "", false
	}
	return u, true
}

// positionResponse is the JSON shape of one position, converted to the
// requested units.
type positionResponse struct {
	TagID       uint32  `json:"tag_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Units       string  `json:"units"`
	BinStart    float64 `json:"bin_start"`
	BinEnd      float64 `json:"bin_end"`
	Residual    float64 `json:"residual"`
	Iterations  int     `json:"iterations"`
	Converged   bool    `json:"converged"`
	AnchorEdges int     `json:"n_anchor_edges"`
	Stale       bool    `json:"stale"`
}

func toResponse(p locator.Position, targetUnits string) positionResponse {
	return positionResponse{
		TagID:       uint32(p.TagID),
		X:           units.ConvertDistance(p.Vec.X, targetUnits),
		Y:           units.ConvertDistance(p.Vec.Y, targetUnits),
		Z:           units.ConvertDistance(p.Vec.Z, targetUnits),
		Units:       targetUnits,
		BinStart:    p.BinStart,
		BinEnd:      p.BinEnd,
		Residual:    p.Residual,
		Iterations:  p.Iterations,
		Converged:   p.Converged,
		AnchorEdges: p.AnchorEdges,
		Stale:       p.Stale,
	}
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tag, ok := s.tagParam(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'tag' parameter")
		return
	}
	u, ok := unitsParam(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'units' parameter; valid: "+units.GetValidUnitsString())
		return
	}

	pos, found := s.loc.LatestPosition(tag)
	if !found {
		httputil.WriteJSONError(w, http.StatusNotFound, "No position for tag yet")
		return
	}

	httputil.WriteJSONOK(w, toResponse(pos, u))
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "History store disabled")
		return
	}
	tag, ok := s.tagParam(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'tag' parameter")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'since' parameter")
			return
		}
		since = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	rows, err := s.store.ListPositions(uint32(tag), since, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Query failed")
		return
	}

	httputil.WriteJSONOK(w, rows)
}

// metricsResponse aggregates the per-tag pipeline metrics.
type metricsResponse struct {
	TagID      uint32               `json:"tag_id"`
	Counters   binner.Counters      `json:"counters"`
	LastTick   *locator.TickMetrics `json:"last_tick,omitempty"`
	HasLatest  bool                 `json:"has_latest"`
	LastStale  bool                 `json:"last_stale"`
	LastSolved float64              `json:"last_solved_bin_end"`
}

func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	var out []metricsResponse
	for _, tag := range s.loc.Tags() {
		m := metricsResponse{TagID: uint32(tag)}
		if counters, ok := s.loc.BinnerCounters(tag); ok {
			m.Counters = counters
		}
		if tick, ok := s.loc.LastTick(tag); ok {
			m.LastTick = &tick
		}
		if pos, ok := s.loc.LatestPosition(tag); ok {
			m.HasLatest = true
			m.LastStale = pos.Stale
			m.LastSolved = pos.BinEnd
		}
		out = append(out, m)
	}

	httputil.WriteJSONOK(w, out)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.cfg)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}
