package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reloader watches a config file and atomically swaps the active
// Config when it changes, adapted from the teacher's router.HotReloader
// (SPEC_FULL.md §4.9). Uses polling rather than fsnotify, matching the
// teacher's choice for cross-platform reliability over a dependency.
type Reloader struct {
	path        string
	interval    time.Duration
	logger      *zap.Logger
	current     atomic.Value // *Config
	lastModTime time.Time
	cancel      context.CancelFunc
}

// NewReloader loads path once, then polls it every interval for
// changes.
func NewReloader(path string, interval time.Duration, logger *zap.Logger) (*Reloader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r := &Reloader{path: path, interval: interval, logger: logger, lastModTime: info.ModTime()}
	r.current.Store(cfg)
	return r, nil
}

// Current returns the active Config (lock-free read).
func (r *Reloader) Current() *Config {
	return r.current.Load().(*Config)
}

// Start launches the polling goroutine.
func (r *Reloader) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.watch(ctx)
}

// Close stops the polling goroutine. Implements io.Closer.
func (r *Reloader) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *Reloader) watch(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.checkAndReload()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) checkAndReload() {
	info, err := os.Stat(r.path)
	if err != nil {
		r.logger.Warn("hot reload: cannot stat config", zap.Error(err))
		return
	}
	if !info.ModTime().After(r.lastModTime) {
		return
	}

	cfg, err := Load(r.path)
	if err != nil {
		r.logger.Warn("hot reload: invalid config, keeping previous", zap.Error(err))
		return
	}

	r.current.Store(cfg)
	r.lastModTime = info.ModTime()
	r.logger.Info("hot reload: config reloaded", zap.Int("backends", len(cfg.Backends)))
}
