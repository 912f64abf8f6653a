package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/llm-gateway/internal/config"
)

// RotatingFile is an io.WriteCloser that rotates the log file once it
// reaches a size limit. Rotated files are stamped <base>-<UTC time><ext>
// and pruned by count and age.
type RotatingFile struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	size    int64
	limit   int64
	keep    int
	maxAge  time.Duration
	pruning atomic.Bool
}

// NewRotatingFile opens cfg.Output for appending, creating parent
// directories as needed. The size limit, backup count, and retention
// age come from the logging config.
func NewRotatingFile(cfg config.LoggingConfig) (*RotatingFile, error) {
	rf := &RotatingFile{
		path:   cfg.Output,
		limit:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		keep:   cfg.MaxBackups,
		maxAge: time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(rf.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.f = f
	rf.size = info.Size()
	return nil
}

// Write appends p, rotating first when the file would exceed the limit.
// A single entry larger than the limit still lands in one file.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.size+int64(len(p)) > rf.limit {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rf.f.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.f != nil {
		return rf.f.Close()
	}
	return nil
}

// rotate renames the current file to a stamped backup and reopens the
// live path. Caller holds rf.mu.
func (rf *RotatingFile) rotate() error {
	if rf.f != nil {
		rf.f.Close()
	}

	base, ext := splitLogPath(rf.path)
	// Fixed-width UTC stamp keeps lexical order chronological for prune.
	stamp := time.Now().UTC().Format("20060102T150405.000")
	backup := fmt.Sprintf("%s-%s%s", base, stamp, ext)
	// A duplicate stamp must not clobber an existing backup.
	for n := 1; ; n++ {
		if _, err := os.Stat(backup); os.IsNotExist(err) {
			break
		}
		backup = fmt.Sprintf("%s-%s.%d%s", base, stamp, n, ext)
	}
	os.Rename(rf.path, backup) //nolint:errcheck

	if err := rf.open(); err != nil {
		return err
	}

	// Prune asynchronously so the blocked Write call is not also paying
	// for directory scans. One pruner at a time.
	if rf.pruning.CompareAndSwap(false, true) {
		go func() {
			defer rf.pruning.Store(false)
			rf.prune()
		}()
	}
	return nil
}

// prune removes stamped backups beyond the keep count, oldest first,
// and any backup older than the retention age.
func (rf *RotatingFile) prune() {
	base, ext := splitLogPath(rf.path)
	dir := filepath.Dir(rf.path)
	prefix := filepath.Base(base) + "-"
	live := filepath.Base(rf.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if name != live && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			backups = append(backups, name)
		}
	}

	// UTC stamps sort lexically, so ascending order is oldest first.
	sort.Strings(backups)

	excess := len(backups) - rf.keep
	for i, name := range backups {
		full := filepath.Join(dir, name)
		if i < excess {
			os.Remove(full) //nolint:errcheck
			continue
		}
		if rf.maxAge <= 0 {
			continue
		}
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > rf.maxAge {
			os.Remove(full) //nolint:errcheck
		}
	}
}

func splitLogPath(path string) (base, ext string) {
	ext = filepath.Ext(path)
	base = strings.TrimSuffix(path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}
