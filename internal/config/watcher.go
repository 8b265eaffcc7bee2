package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc is called by a [Watcher] after a modified config file was loaded
// and validated. diff is Diff(old, new).
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// fileState identifies one version of the config file on disk.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher reloads a config file when its content changes. Polling compares
// mtime and size first and only hashes the file when either moved.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// check runs from Run and from Reload; the mutex serialises them.
	mu      sync.Mutex
	current *Config
	state   fileState
	reloads int
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

// NewWatcher loads path once and returns a watcher holding that config.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.state = cfg, st
	return w, nil
}

// Current returns the most recently applied valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many changed configs were applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run polls the file until ctx ends and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.check(false); err != nil {
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file now, ignoring mtime, and applies it when the
// content changed. It reports whether a new config was applied. An invalid
// file leaves the current config in place and returns the error.
func (w *Watcher) Reload() (bool, error) {
	return w.check(true)
}

func (w *Watcher) check(force bool) (bool, error) {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			return false, err
		}
		if info.ModTime().Equal(w.state.mtime) && info.Size() == w.state.size {
			w.mu.Unlock()
			return false, nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		w.mu.Unlock()
		return false, err
	}
	if st.sum == w.state.sum {
		w.state = st
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.state = cfg, st
	w.reloads++
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"restart_required", diff.RestartRequired,
	)
	// Unlocked so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
	return true, nil
}

// read loads and validates the file and records its state.
func (w *Watcher) read() (*Config, fileState, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{
		mtime: info.ModTime(),
		size:  info.Size(),
		sum:   sha256.Sum256(buf.Bytes()),
	}, nil
}
