package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gantry-sh/gantry/internal/domain"
	"github.com/gantry-sh/gantry/internal/repository"
	"github.com/gantry-sh/gantry/internal/service/launch"
	"github.com/gantry-sh/gantry/internal/service/logs"
	"github.com/gantry-sh/gantry/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	launch    launch.Service
	logs      logs.Service
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	authToken string
	dbHealth  func(context.Context) error

	launchLimit  int
	launchWindow time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	launchTotal        *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateLimitRead       = 120
	rateLimitStream     = 30
	healthCheckTimeout  = 2 * time.Second
	sseHeartbeatPeriod  = 15 * time.Second
	defaultLogPageLimit = 100
)

// Options carries router construction parameters.
type Options struct {
	Logger       *slog.Logger
	Launch       launch.Service
	Logs         logs.Service
	Limiter      RateLimiter
	AuthToken    string
	DBHealth     func(context.Context) error
	LaunchLimit  int
	LaunchWindow time.Duration
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: opts.Logger,
		launch: opts.Launch,
		logs:   opts.Logs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      opts.Limiter,
		authToken:    strings.TrimSpace(opts.AuthToken),
		dbHealth:     opts.DBHealth,
		launchLimit:  opts.LaunchLimit,
		launchWindow: opts.LaunchWindow,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.launchLimit <= 0 {
		r.launchLimit = 30
	}
	if r.launchWindow <= 0 {
		r.launchWindow = rateWindowDefault
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/launches", r.audit("/launches", r.requireToken(r.withRateLimit("/launches", r.launchLimit, r.launchWindow, r.handleLaunches))))
	r.mux.HandleFunc("/launches/", r.audit("/launches/:id", r.requireToken(r.withRateLimit("/launches/:id", rateLimitRead, rateWindowDefault, r.handleLaunchByID))))
	r.mux.HandleFunc("/logs/", r.audit("/logs/:id", r.requireToken(r.withRateLimit("/logs/:id", rateLimitRead, rateWindowDefault, r.handleLogs))))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.requireToken(r.withRateLimit("/ws/logs", rateLimitStream, rateWindowDefault, r.handleLogsWS))))
	r.mux.HandleFunc("/sse/logs", r.audit("/sse/logs", r.requireToken(r.withRateLimit("/sse/logs", rateLimitStream, rateWindowDefault, r.handleLogsSSE))))
}

func (r *Router) handleLaunches(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.createLaunch(w, req)
	case http.MethodGet:
		r.listLaunches(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) createLaunch(w http.ResponseWriter, req *http.Request) {
	var payload launch.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.launch.Handle(req.Context(), payload)
	if err != nil {
		// A broken backend is not the caller's fault.
		if errors.Is(err, launch.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.recordLaunch(payload.App)
	writeJSON(w, http.StatusAccepted, result)
}

func (r *Router) listLaunches(w http.ResponseWriter, req *http.Request) {
	app := strings.TrimSpace(req.URL.Query().Get("app"))
	if app == "" {
		writeError(w, http.StatusBadRequest, "app query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	launches, err := r.launch.List(req.Context(), app, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if launches == nil {
		launches = []domain.Launch{}
	}
	writeJSON(w, http.StatusOK, launches)
}

func (r *Router) handleLaunchByID(w http.ResponseWriter, req *http.Request) {
	launchID := strings.TrimPrefix(req.URL.Path, "/launches/")
	if launchID == "" || strings.Contains(launchID, "/") {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		record, err := r.launch.Status(req.Context(), launchID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				r.notFound(w)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, record)
	case http.MethodDelete:
		if purge, _ := strconv.ParseBool(req.URL.Query().Get("purge")); purge {
			r.purgeLaunch(w, req, launchID)
			return
		}
		err := r.launch.Cancel(req.Context(), launchID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
		case errors.Is(err, repository.ErrNotFound):
			r.notFound(w)
		case errors.Is(err, launch.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) purgeLaunch(w http.ResponseWriter, req *http.Request, launchID string) {
	err := r.launch.Delete(req.Context(), launchID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, launch.ErrActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	launchID := strings.TrimPrefix(req.URL.Path, "/logs/")
	if launchID == "" || strings.Contains(launchID, "/") {
		r.notFound(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultLogPageLimit
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.logs.List(req.Context(), launchID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	launchID := req.URL.Query().Get("launch_id")
	if launchID == "" {
		writeError(w, http.StatusBadRequest, "launch_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn)
	r.logs.Hub().Register(launchID, client)
	go func() {
		client.Listen()
		r.logs.Hub().Unregister(launchID, client)
		client.Close()
	}()
}

func (r *Router) handleLogsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	launchID := req.URL.Query().Get("launch_id")
	if launchID == "" {
		writeError(w, http.StatusBadRequest, "launch_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher)
	r.logs.Hub().Register(launchID, client)
	defer func() {
		r.logs.Hub().Unregister(launchID, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"

	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	if err := r.launch.Health(ctx); err != nil {
		status = "degraded"
		components["docker"] = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	} else {
		components["docker"] = map[string]any{"status": "up"}
	}
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// requireToken enforces the static auth token on protected routes. An empty
// configured token disables authentication for local single-user setups.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.authToken
		if expected == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Gantry-Token"))
		if token == "" {
			token = strings.TrimSpace(req.URL.Query().Get("token"))
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("auth token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid auth token")
			return
		}
		next(w, req)
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
