// Package httpapi is the outermost HTTP surface: it handles the
// special paths spec.md §6 names before handing everything else to the
// Dispatcher. Dispatched, JSON metrics, and error responses carry the
// CORS header set and X-Proxy-By; OPTIONS responses carry the CORS set
// only, and /favicon.ico responses carry neither.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/regionfront/dispatchproxy/internal/dispatcher"
	"github.com/regionfront/dispatchproxy/internal/middleware"
	"github.com/regionfront/dispatchproxy/internal/region"
	"github.com/regionfront/dispatchproxy/internal/registry"
)

const proxyByHeader = "Cloudflare-Workers"

// setCORSHeaders applies the fixed CORS header set from spec.md §6.
func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS,PATCH")
	h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Requested-With,Accept,Origin")
	h.Set("Access-Control-Max-Age", "86400")
}

// errorBody is the JSON shape for user-visible error responses
// (spec.md §7).
type errorBody struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Timestamp string `json:"timestamp"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	setCORSHeaders(w.Header())
	w.Header().Set("X-Proxy-By", proxyByHeader)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Error:     message,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Handler is the dispatcher-backed HTTP entrypoint.
type Handler struct {
	dispatcher    *dispatcher.Dispatcher
	registry      *registry.Registry
	logger        *zap.Logger
	isDevelopment bool
}

// Config supplies the Handler's collaborators.
type Config struct {
	Dispatcher    *dispatcher.Dispatcher
	Registry      *registry.Registry
	Logger        *zap.Logger
	IsDevelopment bool
}

// New creates the top-level HTTP handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		dispatcher:    cfg.Dispatcher,
		registry:      cfg.Registry,
		logger:        cfg.Logger,
		isDevelopment: cfg.IsDevelopment,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		setCORSHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Path == "/favicon.ico" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.URL.Path == "/metrics" {
		if !h.isDevelopment {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		h.serveJSONMetrics(w)
		return
	}

	h.dispatch(w, r)
}

// metricsEntry is the per-backend shape spec.md §6 defines for the
// JSON metrics payload.
type metricsEntry struct {
	Requests            uint64  `json:"requests"`
	Errors               uint64  `json:"errors"`
	ErrorRate            float64 `json:"errorRate"`
	AvgResponseTime       float64 `json:"avgResponseTime"`
	IsHealthy            bool    `json:"isHealthy"`
	ConsecutiveFailures  uint32  `json:"consecutiveFailures"`
}

func (h *Handler) serveJSONMetrics(w http.ResponseWriter) {
	metrics := h.registry.MetricsSnapshot()
	health := h.registry.HealthSnapshot()

	out := make(map[string]metricsEntry, len(metrics))
	for url, m := range metrics {
		hs := health[url]
		var errorRate, avgTime float64
		if m.Requests > 0 {
			errorRate = float64(m.Errors) / float64(m.Requests)
			avgTime = float64(m.TotalTime) / float64(m.Requests)
		}
		out[url] = metricsEntry{
			Requests:            m.Requests,
			Errors:              m.Errors,
			ErrorRate:           errorRate,
			AvgResponseTime:     avgTime,
			IsHealthy:           hs.IsHealthy,
			ConsecutiveFailures: hs.ConsecutiveFailures,
		}
	}

	setCORSHeaders(w.Header())
	w.Header().Set("X-Proxy-By", proxyByHeader)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.TraceIDFrom(r.Context())
	rctx := region.Context{
		Method:    r.Method,
		Path:      r.URL.Path,
		ClientIP:  clientIPFromRequest(r),
		Country:   countryFromRequest(r),
		UserAgent: r.UserAgent(),
	}

	result, err := h.dispatcher.Dispatch(r.Context(), r, rctx, traceID)
	if err != nil {
		status := http.StatusServiceUnavailable
		if de, ok := err.(*dispatcher.Error); ok {
			status = de.StatusCode()
		}
		h.logger.Warn("dispatch failed",
			zap.String("trace_id", traceID),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, err.Error())
		return
	}

	defer result.Body.Close()

	setCORSHeaders(w.Header())
	for key, values := range result.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Proxy-By", proxyByHeader)
	w.WriteHeader(result.StatusCode)
	if _, err := io.Copy(w, result.Body); err != nil {
		h.logger.Warn("error streaming response body",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
	}
}

// countryFromRequest extracts the client's country signal. Cloudflare
// sets CF-IPCountry on requests it proxies; absent that, the dispatcher
// treats the client as unknown (spec.md §3).
func countryFromRequest(r *http.Request) string {
	if c := r.Header.Get("CF-IPCountry"); c != "" {
		return c
	}
	return region.Unknown
}

// clientIPFromRequest extracts the real client IP. Cloudflare supplies
// it on cf-connecting-ip — the same ingress-edge header the forwarder
// strips before forwarding (spec.md §4.5) — since r.RemoteAddr is the
// TCP peer (a load balancer or Cloudflare edge node, plus a :port
// suffix), not the client.
func clientIPFromRequest(r *http.Request) string {
	if ip := r.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
