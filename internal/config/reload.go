package config

import (
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/llm-gateway/internal/metrics"
)

// Editors and atomic writers emit event bursts; reload once the burst
// settles.
const debounceWindow = 300 * time.Millisecond

// Reloader swaps in a validated replacement config when the file on disk
// changes. Triggers are fsnotify events (cross-platform) and SIGHUP
// (Unix, registered in reload_unix.go). A replacement that fails
// validation is dropped and the running config stays in effect.
type Reloader struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks []func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewReloader creates a Reloader serving initial until the file at path
// is reloaded.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	r := &Reloader{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	r.current.Store(initial)
	return r
}

// Current returns the active configuration. Safe for concurrent use;
// callers get a consistent snapshot that survives later reloads.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers fn to run with each successfully reloaded config.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching for config changes. The watch is on the parent
// directory rather than the file itself: atomic replacement (a rename
// onto the path, or a ConfigMap symlink swap) would orphan a watch
// pinned to the old inode. Must be called once after NewReloader.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads and validates the file, swaps it in, and notifies the
// registered callbacks. Returns false and keeps the running config when
// the file does not validate. Exported so the SIGHUP handler and tests
// can trigger it directly.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping previous config", "path", r.path, "error", err)
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		return false
	}
	for _, w := range next.Warnings {
		r.logger.Warn("config warning", "message", w)
	}

	prev := r.current.Swap(next)
	r.logChanges(prev, next)

	r.mu.Lock()
	cbs := slices.Clone(r.callbacks)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(next)
	}

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

// relevant reports whether a directory event concerns the config file.
// Atomic replacement surfaces as Create or Rename depending on how the
// writer swaps the file in.
func (r *Reloader) relevant(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != filepath.Base(r.path) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func (r *Reloader) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(ev) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() { r.Reload() })
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges summarizes what a reload changed, and flags settings that
// only take effect for breakers created after the swap.
func (r *Reloader) logChanges(prev, next *Config) {
	if prev.RateLimit != next.RateLimit {
		r.logger.Info("rate limit settings changed",
			"old_rps", prev.RateLimit.RequestsPerSecond,
			"new_rps", next.RateLimit.RequestsPerSecond,
			"old_burst", prev.RateLimit.BurstSize,
			"new_burst", next.RateLimit.BurstSize,
		)
	}

	if len(prev.Providers) != len(next.Providers) {
		r.logger.Info("provider count changed",
			"old", len(prev.Providers),
			"new", len(next.Providers),
		)
	}
	if prev.DefaultProvider != next.DefaultProvider {
		r.logger.Info("default provider changed",
			"old", prev.DefaultProvider,
			"new", next.DefaultProvider,
		)
	}

	// Compare every breaker field; MaxRetries is a pointer, so it is
	// stripped from the copies and checked through Retries instead.
	pb, nb := prev.BreakerDefaults, next.BreakerDefaults
	pb.MaxRetries, nb.MaxRetries = nil, nil
	if pb != nb || prev.BreakerDefaults.Retries() != next.BreakerDefaults.Retries() {
		r.logger.Warn("breaker defaults changed; existing breakers keep their settings until restart",
			"old_failure_threshold", prev.BreakerDefaults.FailureThreshold,
			"new_failure_threshold", next.BreakerDefaults.FailureThreshold,
			"old_recovery_timeout", prev.BreakerDefaults.RecoveryTimeout,
			"new_recovery_timeout", next.BreakerDefaults.RecoveryTimeout,
		)
	}

	if prev.Auth.Enabled != next.Auth.Enabled {
		r.logger.Info("auth enabled changed",
			"old", prev.Auth.Enabled,
			"new", next.Auth.Enabled,
		)
	}
}
