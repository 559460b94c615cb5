package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newRequest(t *testing.T, method, path string, body string) *http.Request {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://ignored"+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Cf-Connecting-Ip", "203.0.113.9")
	req.Header.Set("Cf-Ray", "abc123")
	req.Header.Set("X-Custom", "keep-me")
	return req
}

func TestForwardHeaderRewrite(t *testing.T) {
	var gotForwardedFor, gotRealIP, gotCustom string
	var sawCF bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotRealIP = r.Header.Get("X-Real-IP")
		gotCustom = r.Header.Get("X-Custom")
		if r.Header.Get("Cf-Connecting-Ip") != "" || r.Header.Get("Cf-Ray") != "" {
			sawCF = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(nil, 2)
	req := newRequest(t, http.MethodGet, "/x", "")
	resp, err := f.Forward(context.Background(), srv.URL, req, "198.51.100.1")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	defer resp.Body.Close()

	if gotForwardedFor != "198.51.100.1" || gotRealIP != "198.51.100.1" {
		t.Fatalf("expected forwarded-for == real-ip == client ip, got %q/%q", gotForwardedFor, gotRealIP)
	}
	if gotForwardedFor != gotRealIP {
		t.Fatalf("X-Forwarded-For and X-Real-IP must match")
	}
	if sawCF {
		t.Fatalf("expected cf-* headers stripped")
	}
	if gotCustom != "keep-me" {
		t.Fatalf("expected non-edge headers preserved")
	}
}

func TestForwardUnknownClientIP(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(nil, 0)
	req := newRequest(t, http.MethodGet, "/x", "")
	resp, err := f.Forward(context.Background(), srv.URL, req, "")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	resp.Body.Close()

	if got != "unknown" {
		t.Fatalf("expected unknown sentinel, got %q", got)
	}
}

func TestForwardGetNeverSendsBody(t *testing.T) {
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotLen = int64(len(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(nil, 0)
	req := newRequest(t, http.MethodGet, "/x", "should-not-arrive")
	resp, err := f.Forward(context.Background(), srv.URL, req, "1.2.3.4")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	resp.Body.Close()

	if gotLen != 0 {
		t.Fatalf("expected GET to carry no body, got %d bytes", gotLen)
	}
}

func TestForwardPostForwardsBodyExactly(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	f := New(nil, 0)
	req := newRequest(t, http.MethodPost, "/x", "hello-body")
	resp, err := f.Forward(context.Background(), srv.URL, req, "1.2.3.4")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	resp.Body.Close()

	if got != "hello-body" {
		t.Fatalf("expected body forwarded exactly, got %q", got)
	}
}

func TestForward5xxReturnedNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(nil, 3)
	req := newRequest(t, http.MethodGet, "/x", "")
	resp, err := f.Forward(context.Background(), srv.URL, req, "1.2.3.4")
	if err != nil {
		t.Fatalf("forward should not error on 5xx, got %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 passed through, got %d", resp.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for an HTTP response (failover is the dispatcher's job), got %d", calls)
	}
}

func TestForwardNetworkErrorRetriesWithBackoff(t *testing.T) {
	f := New(nil, 2)
	req := newRequest(t, http.MethodGet, "/x", "")

	start := time.Now()
	_, err := f.Forward(context.Background(), "http://127.0.0.1:1", req, "1.2.3.4")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected network error")
	}
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != ErrKindNetwork {
		t.Fatalf("expected classified network error, got %v", err)
	}
	// two retries means two backoff sleeps of 1s and 2s = 3s minimum.
	if elapsed < 3*time.Second {
		t.Fatalf("expected backoff delay of at least 3s across retries, got %v", elapsed)
	}
}

func TestForwardURLConstruction(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(nil, 0)
	req, _ := http.NewRequest(http.MethodGet, "http://ignored/v1/items?limit=5", nil)
	resp, err := f.Forward(context.Background(), srv.URL, req, "1.2.3.4")
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	resp.Body.Close()

	if gotPath != "/v1/items" || gotQuery != "limit=5" {
		t.Fatalf("unexpected target url: path=%q query=%q", gotPath, gotQuery)
	}
}
