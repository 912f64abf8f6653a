//go:build windows

package config

// registerSignalHandler does nothing on Windows, which has no SIGHUP.
// The fsnotify watcher remains the only reload trigger there.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("SIGHUP unavailable on this platform, config reload via file watcher only")
}
