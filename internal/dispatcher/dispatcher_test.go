package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/regionfront/dispatchproxy/internal/cache"
	"github.com/regionfront/dispatchproxy/internal/forwarder"
	"github.com/regionfront/dispatchproxy/internal/region"
	"github.com/regionfront/dispatchproxy/internal/registry"
	"github.com/regionfront/dispatchproxy/internal/selector"
)

func newDispatcher(t *testing.T, backends []registry.Backend, threshold uint32, enableCaching bool) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{
		Backends:                backends,
		CircuitBreakerThreshold: threshold,
		HealthCheckInterval:     time.Minute,
	})
	d := New(Config{
		Registry:      reg,
		Selector:      selector.NewSeeded(1, 2),
		Forwarder:     forwarder.New(nil, 1),
		Cache:         cache.New(enableCaching, time.Minute),
		EnableCaching: enableCaching,
	})
	return d, reg
}

func newReq(t *testing.T, method, path, country string) (*http.Request, region.Context) {
	t.Helper()
	r, err := http.NewRequest(method, "http://ignored"+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return r, region.Context{Method: method, Path: path, ClientIP: "198.51.100.1", Country: country}
}

func TestDispatchFailoverOn5xx(t *testing.T) {
	var badCalls int
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badCalls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	d, _ := newDispatcher(t, []registry.Backend{
		{URL: bad.URL, Region: "us-west", Weight: 1},
		{URL: good.URL, Region: "us-west", Weight: 1},
	}, 5, false)

	req, rctx := newReq(t, http.MethodGet, "/x", "unknown")
	result, err := d.Dispatch(context.Background(), req, rctx, "trace-1")
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after failover, got %d", result.StatusCode)
	}
	if result.Header.Get("X-Backend-URL") != good.URL {
		t.Fatalf("expected final response annotated with the succeeding backend")
	}
}

func TestDispatch4xxPassThroughMarksHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, reg := newDispatcher(t, []registry.Backend{{URL: srv.URL, Region: "us-west", Weight: 1}}, 3, false)
	reg.MarkFailure(srv.URL)
	reg.MarkFailure(srv.URL)

	req, rctx := newReq(t, http.MethodGet, "/x", "unknown")
	result, err := d.Dispatch(context.Background(), req, rctx, "trace-2")
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 passed through, got %d", result.StatusCode)
	}

	health := reg.HealthSnapshot()[srv.URL]
	if health.ConsecutiveFailures != 0 || !health.IsHealthy {
		t.Fatalf("expected backend reset to healthy after a 4xx response, got %+v", health)
	}
}

func TestDispatchNoHealthyBackends(t *testing.T) {
	d, reg := newDispatcher(t, []registry.Backend{{URL: "http://a", Region: "us-west", Weight: 1}}, 1, false)
	reg.MarkFailure("http://a")

	req, rctx := newReq(t, http.MethodGet, "/x", "unknown")
	_, err := d.Dispatch(context.Background(), req, rctx, "trace-3")
	if err == nil {
		t.Fatal("expected an error when no backends are healthy")
	}
	var de *Error
	if !isDispatchError(err, &de) || de.Kind != ErrKindNoHealthyBackends {
		t.Fatalf("expected ErrKindNoHealthyBackends, got %v", err)
	}
	if de.StatusCode() != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", de.StatusCode())
	}
}

func TestDispatchOversizeRejected(t *testing.T) {
	d, _ := newDispatcher(t, []registry.Backend{{URL: "http://a", Region: "us-west", Weight: 1}}, 5, false)

	req, rctx := newReq(t, http.MethodPost, "/x", "unknown")
	req.ContentLength = 20 * 1024 * 1024

	_, err := d.Dispatch(context.Background(), req, rctx, "trace-4")
	if err == nil {
		t.Fatal("expected oversize rejection")
	}
	var de *Error
	if !isDispatchError(err, &de) || de.Kind != ErrKindOversize {
		t.Fatalf("expected ErrKindOversize, got %v", err)
	}
	if de.StatusCode() != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", de.StatusCode())
	}
}

func TestDispatchCacheHitSkipsUpstream(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d, _ := newDispatcher(t, []registry.Backend{{URL: srv.URL, Region: "us-west", Weight: 1}}, 5, true)

	req, rctx := newReq(t, http.MethodGet, "/x", "unknown")
	first, err := d.Dispatch(context.Background(), req, rctx, "trace-5")
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	if first.CacheHit {
		t.Fatal("first request should not be a cache hit")
	}

	req2, rctx2 := newReq(t, http.MethodGet, "/x", "unknown")
	second, err := d.Dispatch(context.Background(), req2, rctx2, "trace-6")
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if !second.CacheHit {
		t.Fatal("second identical GET should be served from cache")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
}

func isDispatchError(err error, target **Error) bool {
	de, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = de
	return true
}
