// Package tlsutil provides TLS certificate loading with automatic reload
// via filesystem notifications for zero-downtime certificate rotation.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeypairReloader serves the current TLS keypair to handshakes and swaps
// it when the files on disk change. It watches the parent directories
// rather than the files themselves: certificate rotation usually replaces
// the file (or the symlink behind it, as Kubernetes secret mounts do),
// and a watch pinned to the old inode would go quiet after the first swap.
type KeypairReloader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewKeypairReloader loads the keypair and starts the directory watch.
// The initial load must succeed; later reload failures keep the current
// certificate in service.
func NewKeypairReloader(certFile, keyFile string, logger *slog.Logger) (*KeypairReloader, error) {
	kr := &KeypairReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	if err := kr.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	for _, dir := range watchDirs(certFile, keyFile) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	kr.watcher = watcher
	go kr.watch()

	logger.Info("TLS certificate loaded, watching for rotation",
		"cert_file", certFile, "key_file", keyFile, "not_after", kr.notAfter())

	return kr, nil
}

// watchDirs returns the parent directories of the given files, deduplicated.
func watchDirs(files ...string) []string {
	seen := make(map[string]struct{}, len(files))
	var dirs []string
	for _, f := range files {
		dir := filepath.Dir(f)
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs
}

// GetCertificate returns the current certificate. It is the callback for
// tls.Config.GetCertificate and runs on every handshake, so it takes only
// a read lock.
func (kr *KeypairReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.cert, nil
}

// Reload swaps in the keypair currently on disk. A failed load leaves the
// served certificate untouched, so a half-written rotation cannot take the
// listener down.
func (kr *KeypairReloader) Reload() error {
	if err := kr.load(); err != nil {
		kr.logger.Error("TLS certificate reload failed, keeping current",
			"error", err, "cert_file", kr.certFile, "key_file", kr.keyFile)
		return err
	}
	kr.logger.Info("TLS certificate reloaded",
		"cert_file", kr.certFile, "key_file", kr.keyFile, "not_after", kr.notAfter())
	return nil
}

// Stop terminates the directory watch.
func (kr *KeypairReloader) Stop() {
	close(kr.stopCh)
	if kr.watcher != nil {
		kr.watcher.Close()
	}
}

func (kr *KeypairReloader) load() error {
	cert, err := tls.LoadX509KeyPair(kr.certFile, kr.keyFile)
	if err != nil {
		return err
	}
	kr.mu.Lock()
	kr.cert = &cert
	kr.mu.Unlock()
	return nil
}

// notAfter reports the served leaf's expiry for log lines, or zero time
// when the leaf was not parsed.
func (kr *KeypairReloader) notAfter() time.Time {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.cert != nil && kr.cert.Leaf != nil {
		return kr.cert.Leaf.NotAfter
	}
	return time.Time{}
}

func (kr *KeypairReloader) watch() {
	certBase := filepath.Base(kr.certFile)
	keyBase := filepath.Base(kr.keyFile)

	var debounce *time.Timer
	for {
		select {
		case event, ok := <-kr.watcher.Events:
			if !ok {
				return
			}
			// Directory watch sees every file in the dir; only our pair
			// matters. Rotation can surface as any of these ops depending
			// on whether the file, or a symlink above it, was replaced.
			base := filepath.Base(event.Name)
			if base != certBase && base != keyBase {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Cert and key land one after the other; debounce so we do
			// not load a mismatched pair in between.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() {
				kr.Reload() //nolint:errcheck
			})
		case err, ok := <-kr.watcher.Errors:
			if !ok {
				return
			}
			kr.logger.Error("TLS cert file watcher error", "error", err)
		case <-kr.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
