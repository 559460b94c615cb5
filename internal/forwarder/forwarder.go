// Package forwarder executes one upstream attempt: header rewrite,
// timeout, and retry-on-network-error with exponential backoff, per
// spec.md §4.5. Cross-backend failover is the Dispatcher's job, not
// this package's — any received HTTP response, even a 5xx, is
// returned as-is.
package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrKind classifies why an attempt failed, driving both retry policy
// here and the client-facing status mapping in the dispatcher
// (spec.md §7).
type ErrKind int

const (
	// ErrKindNetwork covers DNS, connection, TLS, and read/write
	// failures — anything before a complete HTTP response arrived.
	ErrKindNetwork ErrKind = iota
	// ErrKindTimeout is the 30s hard deadline expiring.
	ErrKindTimeout
	// ErrKindAborted is the client disconnecting mid-attempt.
	ErrKindAborted
)

// Error wraps a failed attempt with its classification.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// hopByHop headers are never forwarded, matching the teacher's
// proxy.go and standard RFC 7230 §6.1 guidance.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// edgeHeaders are stripped per spec.md §4.5 step 2 (case-insensitive).
var edgeHeaders = map[string]bool{
	"Cf-Connecting-Ip": true,
	"Cf-Ray":           true,
	"Cf-Visitor":       true,
	"Cf-Ipcountry":     true,
}

const attemptTimeout = 30 * time.Second

// Forwarder sends one logical forward to a chosen backend, retrying
// internally on network-class errors.
type Forwarder struct {
	client        *http.Client
	retryAttempts int
}

// New creates a Forwarder. retryAttempts is the number of additional
// tries after the first, on network-class errors only.
func New(client *http.Client, retryAttempts int) *Forwarder {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		}
	}
	return &Forwarder{client: client, retryAttempts: retryAttempts}
}

// Forward sends the request to backendURL+path, building the forwarded
// request per spec.md §4.5, and retries on network-class errors up to
// retryAttempts times with 2^n second backoff between tries.
func (f *Forwarder) Forward(ctx context.Context, backendURL string, r *http.Request, clientIP string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= f.retryAttempts; attempt++ {
		resp, err := f.attempt(ctx, backendURL, r, clientIP)
		if err == nil {
			return resp, nil
		}

		var classified *Error
		if !errors.As(err, &classified) || classified.Kind == ErrKindAborted {
			return nil, err
		}
		lastErr = err

		if attempt == f.retryAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, err
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (f *Forwarder) attempt(ctx context.Context, backendURL string, r *http.Request, clientIP string) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	target := backendURL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	newReq, err := http.NewRequestWithContext(attemptCtx, r.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: ErrKindNetwork, Err: err}
	}

	copyHeaders(newReq, r, clientIP)

	resp, err := f.client.Do(newReq)
	if err != nil {
		return nil, classify(attemptCtx, err)
	}
	return resp, nil
}

// copyHeaders implements spec.md §4.5 step 2: copy client headers,
// strip hop-by-hop and cf-* ingress-edge headers, then set the
// X-Forwarded-* family.
func copyHeaders(dst *http.Request, src *http.Request, clientIP string) {
	for key, values := range src.Header {
		if hopByHop[key] || edgeHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Header.Add(key, v)
		}
	}

	ip := clientIP
	if ip == "" {
		ip = "unknown"
	}
	dst.Header.Set("X-Forwarded-For", ip)
	dst.Header.Set("X-Real-IP", ip)

	scheme := "http"
	if src.TLS != nil {
		scheme = "https"
	}
	dst.Header.Set("X-Forwarded-Proto", scheme)
	dst.Header.Set("X-Forwarded-Host", src.Host)
}

// classify maps a client.Do error into a network-class or
// timeout/aborted Error per spec.md §7.
func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}
	if ctx.Err() == context.Canceled {
		return &Error{Kind: ErrKindAborted, Err: err}
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &Error{Kind: ErrKindTimeout, Err: err}
	}
	if strings.Contains(err.Error(), "context canceled") {
		return &Error{Kind: ErrKindAborted, Err: err}
	}
	return &Error{Kind: ErrKindNetwork, Err: err}
}
