// Package dispatcher orchestrates one client request end to end: cache
// lookup, the healthy-backend filter, selection, forwarding, failover
// across backends, outcome classification, metrics recording, and
// cache store. This is the core described in spec.md §4.6.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/regionfront/dispatchproxy/internal/cache"
	"github.com/regionfront/dispatchproxy/internal/forwarder"
	"github.com/regionfront/dispatchproxy/internal/observe"
	"github.com/regionfront/dispatchproxy/internal/region"
	"github.com/regionfront/dispatchproxy/internal/registry"
	"github.com/regionfront/dispatchproxy/internal/selector"
)

// maxRequestBody is the oversize-request cutoff from spec.md §4.6 step 2.
const maxRequestBody = 10 << 20 // 10 MiB

// maxFailoverAttempts caps the failover loop independent of the
// healthy-set size (spec.md §4.6 step 5).
const maxFailoverAttempts = 3

// ErrKind classifies a dispatch-level failure for status-code mapping,
// mirroring forwarder.ErrKind plus the dispatcher's own terminal cases
// (spec.md §7).
type ErrKind int

const (
	ErrKindNetwork ErrKind = iota
	ErrKindTimeout
	ErrKindAborted
	ErrKindOversize
	ErrKindNoHealthyBackends
	// ErrKindHTTP is a well-formed upstream response that failed (5xx),
	// as opposed to a transport-level failure. Distinguished from
	// ErrKindNetwork so failover exhaustion on repeated 5xx responses
	// maps to the "otherwise" 503 case in spec.md §7, not 502.
	ErrKindHTTP
)

// Error is a classified dispatch failure. Handlers map it to an HTTP
// status via StatusCode.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// StatusCode implements spec.md §7's exhausted-failover and terminal
// mappings.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrKindOversize:
		return http.StatusRequestEntityTooLarge
	case ErrKindNoHealthyBackends:
		return http.StatusServiceUnavailable
	case ErrKindTimeout:
		return http.StatusGatewayTimeout
	case ErrKindNetwork:
		return http.StatusBadGateway
	case ErrKindAborted:
		return 499
	case ErrKindHTTP:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// Metrics is the subset of observe.Metrics the dispatcher updates.
// Declared as an interface so tests can supply a nil-safe stub.
type Metrics interface {
	ObserveRequest(backendURL string, durationMs float64)
	IncFailoverAttempt(outcome string)
}

// noopMetrics satisfies Metrics without touching a real registerer,
// used when the dispatcher is constructed without observability wired
// in (e.g. unit tests).
type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, float64) {}
func (noopMetrics) IncFailoverAttempt(string)       {}

// Result is a successful dispatch outcome, ready to be written to the
// client. Body is streamed through from the backend response rather
// than buffered in full — spec.md §9 is explicit that buffering a
// potentially-10MiB response body is a regression. The exceptions are
// a cache hit and a response that is being stored in the cache: both
// are served from an in-memory copy of the whole body.
// Callers must Close it.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	CacheHit   bool
}

// Dispatcher wires the Registry, Selector, Forwarder, and response
// cache together per backend per request.
type Dispatcher struct {
	registry   *registry.Registry
	selector   *selector.Selector
	forwarder  *forwarder.Forwarder
	cache      *cache.Cache
	metrics    Metrics
	logger     *zap.Logger
	cachingOn  bool
}

// Config supplies the collaborators a Dispatcher needs. Metrics and
// Logger are optional; nil-safe defaults are substituted.
type Config struct {
	Registry      *registry.Registry
	Selector      *selector.Selector
	Forwarder     *forwarder.Forwarder
	Cache         *cache.Cache
	Metrics       Metrics
	Logger        *zap.Logger
	EnableCaching bool
}

// New builds a Dispatcher from its collaborators.
func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		selector:  cfg.Selector,
		forwarder: cfg.Forwarder,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		cachingOn: cfg.EnableCaching,
	}
}

// Dispatch runs one request through the full pipeline described in
// spec.md §4.6. traceID is used only for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, r *http.Request, reqCtx region.Context, traceID string) (*Result, error) {
	if r.ContentLength > maxRequestBody {
		return nil, &Error{Kind: ErrKindOversize, Err: errors.New("request body exceeds 10MiB")}
	}

	cacheKey := cache.Key(r.Method, reqCtx.Path, r.URL.RawQuery)
	if d.cachingOn && r.Method == http.MethodGet {
		if entry, ok := d.cache.Get(cacheKey); ok {
			return &Result{StatusCode: entry.StatusCode, Header: entry.Header, Body: io.NopCloser(bytes.NewReader(entry.Body)), CacheHit: true}, nil
		}
	}

	healthy := d.registry.HealthyBackends()
	if len(healthy) == 0 {
		return nil, &Error{Kind: ErrKindNoHealthyBackends, Err: errors.New("no healthy backends available")}
	}

	attempts := len(healthy)
	if attempts > maxFailoverAttempts {
		attempts = maxFailoverAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		metrics := d.registry.MetricsSnapshot()
		backend := d.selector.Select(healthy, reqCtx, metrics)

		start := time.Now()
		resp, err := d.forwarder.Forward(ctx, backend.URL, r, reqCtx.ClientIP)
		elapsedMs := float64(time.Since(start).Milliseconds())

		if err != nil {
			lastErr = classifyForwardErr(err)
			d.registry.MarkFailure(backend.URL)
			d.registry.RecordOutcome(backend.URL, elapsedMs, false)
			d.metrics.ObserveRequest(backend.URL, elapsedMs)
			d.metrics.IncFailoverAttempt("network_error")
			d.logger.Warn("forward attempt failed",
				zap.String("trace_id", traceID),
				zap.String("backend", backend.URL),
				zap.Error(err),
			)
			continue
		}

		if resp.StatusCode >= 500 {
			d.registry.MarkFailure(backend.URL)
			d.registry.RecordOutcome(backend.URL, elapsedMs, false)
			d.metrics.ObserveRequest(backend.URL, elapsedMs)
			d.metrics.IncFailoverAttempt("upstream_5xx")
			resp.Body.Close()
			lastErr = &Error{Kind: ErrKindHTTP, Err: errors.New("upstream returned 5xx")}
			continue
		}

		// status < 500: success path, including 4xx pass-through.
		// RecordOutcome still counts a 4xx as an error (spec.md §4.6
		// step 6: success = response.ok, i.e. strictly 2xx), so the
		// Selector's performance score down-weights a backend that is
		// reachable but returning client errors.
		d.registry.MarkHealthy(backend.URL)
		d.registry.RecordOutcome(backend.URL, elapsedMs, resp.StatusCode < 300)
		d.metrics.ObserveRequest(backend.URL, elapsedMs)
		d.metrics.IncFailoverAttempt("success")

		header := resp.Header.Clone()
		header.Set("X-Backend-URL", backend.URL)
		header.Set("X-Backend-Region", backend.Region)

		if cache.ShouldStore(d.cachingOn, r.Method, resp.StatusCode, header) {
			// Storing a cache entry needs the whole body in memory
			// regardless; buffer only on this branch, not on the
			// common streamed-through path below.
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return nil, &Error{Kind: ErrKindNetwork, Err: readErr}
			}
			d.cache.Set(cacheKey, resp.StatusCode, header, body, time.Now())
			return &Result{StatusCode: resp.StatusCode, Header: header, Body: io.NopCloser(bytes.NewReader(body))}, nil
		}

		return &Result{StatusCode: resp.StatusCode, Header: header, Body: resp.Body}, nil
	}

	if lastErr == nil {
		lastErr = &Error{Kind: ErrKindNetwork, Err: errors.New("failover attempts exhausted")}
	}
	return nil, lastErr
}

// classifyForwardErr maps a forwarder.Error onto the dispatcher's own
// ErrKind space so the client-facing status mapping in spec.md §7 is
// computed from a single type.
func classifyForwardErr(err error) error {
	var fe *forwarder.Error
	if !errors.As(err, &fe) {
		return &Error{Kind: ErrKindNetwork, Err: err}
	}
	switch fe.Kind {
	case forwarder.ErrKindTimeout:
		return &Error{Kind: ErrKindTimeout, Err: err}
	case forwarder.ErrKindAborted:
		return &Error{Kind: ErrKindAborted, Err: err}
	default:
		return &Error{Kind: ErrKindNetwork, Err: err}
	}
}

// Wire adapts *observe.Metrics to the dispatcher's narrower Metrics
// interface.
func Wire(m *observe.Metrics) Metrics {
	return observeMetricsAdapter{m}
}

type observeMetricsAdapter struct {
	m *observe.Metrics
}

func (a observeMetricsAdapter) ObserveRequest(backendURL string, durationMs float64) {
	a.m.RequestDuration.WithLabelValues(backendURL).Observe(durationMs / 1000)
}

func (a observeMetricsAdapter) IncFailoverAttempt(outcome string) {
	a.m.FailoverAttempts.WithLabelValues(outcome).Inc()
}
