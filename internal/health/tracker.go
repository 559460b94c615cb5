// Package health implements the active probing half of the circuit
// breaker state machine described in spec.md §4.3. The health state
// itself (IsHealthy, ConsecutiveFailures) lives in the registry; this
// package only decides when to probe and reports outcomes back.
package health

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/regionfront/dispatchproxy/internal/registry"
)

// recorder is the subset of *registry.Registry the tracker needs,
// narrowed for testability.
type recorder interface {
	URLs() []string
	MarkHealthyProbed(url string, at time.Time)
	MarkFailureProbed(url string, at time.Time)
}

// Tracker runs active HEAD probes against each backend's /health path
// and coalesces concurrent probes for the same backend with a
// singleflight group, per spec.md §4.3/§9.
type Tracker struct {
	registry recorder
	client   *http.Client
	logger   *zap.Logger

	interval time.Duration
	group    singleflight.Group

	cancel context.CancelFunc
}

// New creates a Tracker. probeTimeout bounds each individual HEAD
// request (spec.md fixes this at 5 seconds); interval is how often the
// background sweep runs over all configured backends.
func New(reg recorder, interval, probeTimeout time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		registry: reg,
		client:   &http.Client{Timeout: probeTimeout},
		logger:   logger,
		interval: interval,
	}
}

// Start launches the background sweep goroutine. Call Close to stop it.
func (t *Tracker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
}

// Close stops the background sweep. Implements io.Closer for
// internal/server's shutdown sequence.
func (t *Tracker) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Tracker) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.probeAll(ctx)
	for {
		select {
		case <-ticker.C:
			t.probeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) probeAll(ctx context.Context) {
	for _, url := range t.registry.URLs() {
		t.ProbeAsync(url)
	}
	_ = ctx
}

// ProbeAsync kicks off a probe for url in the background, coalescing
// with any probe already in flight for the same url. It never blocks
// the caller — see DESIGN.md "Active-probe blocking behavior".
func (t *Tracker) ProbeAsync(url string) {
	go func() {
		_, _, _ = t.group.Do(url, func() (interface{}, error) {
			t.probe(url)
			return nil, nil
		})
	}()
}

// probe sends one HEAD request to {url}/health with the configured
// timeout and reports the outcome to the registry.
func (t *Tracker) probe(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url+"/health", nil)
	if err != nil {
		t.registry.MarkFailureProbed(url, time.Now())
		return
	}

	resp, err := t.client.Do(req)
	now := time.Now()
	if err != nil {
		t.logger.Debug("active probe failed", zap.String("backend", url), zap.Error(err))
		t.registry.MarkFailureProbed(url, now)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.registry.MarkHealthyProbed(url, now)
		return
	}
	t.logger.Debug("active probe returned non-2xx", zap.String("backend", url), zap.Int("status", resp.StatusCode))
	t.registry.MarkFailureProbed(url, now)
}

var _ registry.Prober = (*Tracker)(nil)
