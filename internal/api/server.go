// Package api provides the local HTTP API of a monitoring session.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mikeyg42/capturer/internal/dispatch"
	"github.com/mikeyg42/capturer/internal/monitor"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/region"
	"github.com/mikeyg42/capturer/internal/report"
	"github.com/mikeyg42/capturer/internal/storage"
	"github.com/mikeyg42/capturer/internal/tracker"
)

// Monitor is the part of monitor.Scheduler the API drives.
type Monitor interface {
	Snapshot(ctx context.Context) ([]tracker.Stats, error)
	Regions(ctx context.Context) ([]region.Region, error)
	Status() monitor.Status
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Reset(ctx context.Context, name string) error
	UpdateRegion(ctx context.Context, r region.Region) error
	SetDetection(ctx context.Context, tolerance uint8, thresholdPercent float64) error
	Subscribe(l monitor.Listener)
}

// LastDispatch exposes the dispatcher's most recent result.
type LastDispatch interface {
	Last() *dispatch.Result
}

// Options wires the server. History and Dispatch are optional.
type Options struct {
	Addr     string
	Monitor  Monitor
	History  storage.HistoryStore
	Dispatch LastDispatch

	SystemName string
	// ControlRatePerMinute limits control endpoints per client IP.
	ControlRatePerMinute int
	Logger               monitorlog.Logger
}

// Server is an HTTP API server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	hub        *Hub
	opts       Options
	logger     monitorlog.Logger
	auditLog   monitorlog.Logger
	started    time.Time
}

// NewServer registers every route. ctx bounds the rate limiter's sweeper.
func NewServer(ctx context.Context, opts Options) (*Server, error) {
	if opts.Monitor == nil {
		return nil, errors.New("api server needs a monitor")
	}
	if opts.Logger == nil {
		opts.Logger = monitorlog.L()
	}
	if opts.ControlRatePerMinute <= 0 {
		opts.ControlRatePerMinute = 30
	}

	s := &Server{
		mux:     http.NewServeMux(),
		opts:    opts,
		logger:  opts.Logger.Named("api"),
		started: time.Now(),
	}
	s.auditLog = s.logger.Named("audit")
	s.hub = NewHub(s.logger, nil)
	opts.Monitor.Subscribe(s.hub)

	limiter := NewRateLimiter(ctx, opts.ControlRatePerMinute, time.Minute)
	control := func(h http.HandlerFunc) http.HandlerFunc {
		return limiter.Middleware(onlyMethod(http.MethodPost, h))
	}

	s.mux.HandleFunc("/api/health", onlyMethod(http.MethodGet, s.handleHealth))
	s.mux.HandleFunc("/api/stats", onlyMethod(http.MethodGet, s.handleStats))
	s.mux.HandleFunc("/api/report", onlyMethod(http.MethodGet, s.handleReport))
	s.mux.HandleFunc("/api/reports", onlyMethod(http.MethodGet, s.handleReports))
	s.mux.HandleFunc("/api/dispatch/last", onlyMethod(http.MethodGet, s.handleLastDispatch))
	s.mux.HandleFunc("/api/regions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleRegions(w, r)
		case http.MethodPost, http.MethodPut:
			limiter.Middleware(s.handleUpdateRegion)(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	s.mux.HandleFunc("/api/pause", control(s.handlePause))
	s.mux.HandleFunc("/api/resume", control(s.handleResume))
	s.mux.HandleFunc("/api/reset", control(s.handleReset))
	s.mux.HandleFunc("/api/detection", control(s.handleDetection))
	s.mux.Handle("/ws", s.hub)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           corsMiddleware(s.mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Hub returns the websocket event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting API server", monitorlog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// StartInBackground starts the server in a goroutine
func (s *Server) StartInBackground() {
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", monitorlog.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"monitor":    s.opts.Monitor.Status(),
		"ws_clients": s.hub.Clients(),
	}
	if s.opts.History != nil {
		if err := s.opts.History.HealthCheck(r.Context()); err != nil {
			s.logger.Warn("history health check failed", monitorlog.Error(err))
			resp["status"] = "degraded"
			resp["history"] = "unavailable"
		} else {
			resp["history"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Monitor.Snapshot(r.Context())
	if err != nil {
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.opts.Monitor.Status(),
		"regions": stats,
	})
}

// handleReport renders an on-demand report over the whole session.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	format := report.FormatJSON
	if f := r.URL.Query().Get("format"); f != "" {
		var err error
		if format, err = report.ParseFormat(f); err != nil || format == report.FormatZIP {
			writeError(w, http.StatusBadRequest, "format must be json, html or csv")
			return
		}
	}

	stats, err := s.opts.Monitor.Snapshot(r.Context())
	if err != nil {
		s.monitorError(w, err)
		return
	}
	now := time.Now()
	rep := report.Build(stats, sessionStart(stats, now), now)

	switch format {
	case report.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err = report.WriteHTML(w, rep, s.opts.SystemName)
	case report.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(report.FileName(rep, format)))
		err = report.WriteCSV(w, rep)
	default:
		w.Header().Set("Content-Type", "application/json")
		err = report.WriteJSON(w, rep)
	}
	if err != nil {
		s.logger.Warn("failed to write report", monitorlog.Error(err))
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusServiceUnavailable, "report history is disabled")
		return
	}
	q, err := parseReportQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.opts.History.ListReports(r.Context(), q)
	if err != nil {
		s.logger.Error("failed to list reports", monitorlog.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if recs == nil {
		recs = []*storage.ReportRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLastDispatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduled dispatch is disabled")
		return
	}
	last := s.opts.Dispatch.Last()
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.opts.Monitor.Regions(r.Context())
	if err != nil {
		s.monitorError(w, err)
		return
	}
	out := make([]regionBody, 0, len(regions))
	for _, rg := range regions {
		out = append(out, toRegionBody(rg))
	}
	writeJSON(w, http.StatusOK, out)
}

type regionBody struct {
	Name    string `json:"name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Enabled *bool  `json:"enabled,omitempty"`
}

func toRegionBody(r region.Region) regionBody {
	enabled := r.Enabled
	return regionBody{
		Name: r.Name, X: r.Bounds.Min.X, Y: r.Bounds.Min.Y,
		Width: r.Bounds.Dx(), Height: r.Bounds.Dy(), Enabled: &enabled,
	}
}

func (s *Server) handleUpdateRegion(w http.ResponseWriter, r *http.Request) {
	var body regionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" || body.Width <= 0 || body.Height <= 0 {
		writeError(w, http.StatusBadRequest, "name, width and height are required")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	rg := region.New(body.Name, body.X, body.Y, body.Width, body.Height, enabled)
	err := s.opts.Monitor.UpdateRegion(r.Context(), rg)
	s.audit(r, auditRegion, err, fmt.Sprintf("%s %v enabled=%t", rg.Name, rg.Bounds, rg.Enabled))
	if err != nil {
		if errors.Is(err, region.ErrBoundsInvalid) {
			writeError(w, http.StatusUnprocessableEntity, "region does not fit inside the captured display")
			return
		}
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegionBody(rg))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Monitor.Pause(r.Context())
	s.audit(r, auditPause, err, "")
	if err != nil {
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Monitor.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	err := s.opts.Monitor.Resume(r.Context())
	s.audit(r, auditResume, err, "")
	if err != nil {
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Monitor.Status())
}

// handleReset resets ?region=NAME, or everything without the parameter.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("region")
	err := s.opts.Monitor.Reset(r.Context(), name)
	s.audit(r, auditReset, err, name)
	if err != nil {
		if errors.Is(err, monitor.ErrUnknownRegion) {
			writeError(w, http.StatusNotFound, "unknown region")
			return
		}
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "region": name})
}

type detectionBody struct {
	Tolerance        *int     `json:"pixel_tolerance"`
	ThresholdPercent *float64 `json:"activity_threshold_percent"`
}

func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	var body detectionBody
	if err := decodeBody(w, r, &body); err != nil || body.Tolerance == nil || body.ThresholdPercent == nil {
		writeError(w, http.StatusBadRequest, "pixel_tolerance and activity_threshold_percent are required")
		return
	}
	if *body.Tolerance < 0 || *body.Tolerance > 255 || *body.ThresholdPercent < 0 || *body.ThresholdPercent > 100 {
		writeError(w, http.StatusBadRequest, "pixel_tolerance must be 0..255 and activity_threshold_percent 0..100")
		return
	}
	err := s.opts.Monitor.SetDetection(r.Context(), uint8(*body.Tolerance), *body.ThresholdPercent)
	s.audit(r, auditDetection, err, fmt.Sprintf("tolerance=%d threshold=%g", *body.Tolerance, *body.ThresholdPercent))
	if err != nil {
		s.monitorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// monitorError maps session errors to a short status.
func (s *Server) monitorError(w http.ResponseWriter, err error) {
	if errors.Is(err, monitor.ErrNotRunning) {
		writeError(w, http.StatusServiceUnavailable, "monitoring session is not running")
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	s.logger.Error("monitor command failed", monitorlog.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseReportQuery(v url.Values) (storage.ReportQuery, error) {
	q := storage.ReportQuery{Period: v.Get("period"), Limit: 50}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = n
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if raw := v.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, errors.New(key + " must be an RFC3339 timestamp")
			}
			*dst = t
		}
	}
	return q, nil
}

// sessionStart is the earliest region session start, or now when there is none.
func sessionStart(stats []tracker.Stats, now time.Time) time.Time {
	start := now
	for _, st := range stats {
		if !st.SessionStart.IsZero() && st.SessionStart.Before(start) {
			start = st.SessionStart
		}
	}
	return start
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func onlyMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

// localOrigin accepts requests without an Origin, from the same host, or
// from localhost.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// corsMiddleware allows browser dashboards served from localhost.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && localOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
