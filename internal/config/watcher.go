package config

import (
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher monitors a config file for changes and calls a callback when the
// file is modified. It uses polling (not fsnotify) to keep dependencies
// minimal; a 5-second poll is plenty for a config file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, updated *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a watcher for path. onChange is called with the old
// and new configs whenever the file content changes and still parses; a
// change that fails to parse is logged and skipped, keeping the previous
// config active.
func NewWatcher(path string, current *Config, onChange func(old, updated *Config), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		current:  current,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lastMtime, w.lastHash, _ = fileState(path)
	return w
}

// Start begins polling in a background goroutine.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) poll() {
	mtime, hash, err := fileState(w.path)
	if err != nil {
		return
	}
	w.mu.Lock()
	unchanged := mtime.Equal(w.lastMtime) && hash == w.lastHash
	w.mu.Unlock()
	if unchanged {
		return
	}

	updated, err := Load(w.path)
	if err != nil {
		slog.Warn("config changed but failed to load, keeping previous", "path", w.path, "err", err)
		w.mu.Lock()
		w.lastMtime, w.lastHash = mtime, hash
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	w.lastMtime, w.lastHash = mtime, hash
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, updated)
	}
}

func fileState(path string) (time.Time, [sha256.Size]byte, error) {
	var hash [sha256.Size]byte
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, hash, err
	}
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, hash, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return time.Time{}, hash, err
	}
	copy(hash[:], h.Sum(nil))
	return info.ModTime(), hash, nil
}
