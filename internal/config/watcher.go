package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands each new valid revision to a
// callback. A revision that fails validation is logged and counted as
// rejected; a rewrite that decodes to the same config (comments, key order)
// is absorbed without a callback.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	current  atomic.Pointer[Config]
	rejected atomic.Int64

	// mu serialises Check so the file fingerprint is only advanced by one
	// poll at a time.
	mu    sync.Mutex
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher fingerprints the file at path and returns a watcher whose first
// revision is initial. When initial is nil the file is loaded and must be
// valid. Polling starts with [Watcher.Run].
func NewWatcher(path string, initial *Config, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if initial == nil {
		if initial, err = loadBytes(data); err != nil {
			return nil, fmt.Errorf("config: watch %s: %w", path, err)
		}
	}
	w.current.Store(initial)
	w.mtime = mtime
	w.sum = sha256.Sum256(data)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Rejected returns how many changed revisions failed to load.
func (w *Watcher) Rejected() int64 { return w.rejected.Load() }

// Run polls until ctx is cancelled. It always returns nil so it can sit in
// an errgroup next to the server.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check polls the file once and reports whether a new revision was
// accepted. The callback runs on the calling goroutine.
func (w *Watcher) Check() bool {
	w.mu.Lock()
	info, err := os.Stat(w.path)
	if err != nil {
		w.mu.Unlock()
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	if info.ModTime().Equal(w.mtime) {
		w.mu.Unlock()
		return false
	}

	data, mtime, err := w.read()
	if err != nil {
		w.mu.Unlock()
		w.log.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return false
	}
	sum := sha256.Sum256(data)
	w.mtime = mtime
	if sum == w.sum {
		w.mu.Unlock()
		return false
	}
	w.sum = sum

	cfg, err := loadBytes(data)
	if err != nil {
		w.mu.Unlock()
		w.rejected.Add(1)
		w.log.Warn("config watcher: revision rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}
	old := w.current.Load()
	if reflect.DeepEqual(old, cfg) {
		w.mu.Unlock()
		return false
	}
	w.current.Store(cfg)
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

func (w *Watcher) read() ([]byte, time.Time, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
