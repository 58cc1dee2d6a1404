package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] re-reads the file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file and reports validated content changes to a
// callback. Changes are picked up by polling in [Watcher.Run] or on demand
// through [Watcher.Reload]. Edits that fail to parse or validate are logged
// and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	lookup   func(string) (string, bool)
	reload   chan struct{}

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Zero disables polling, leaving
// [Watcher.Reload] as the only trigger. Negative values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.interval = d
		}
	}
}

// WithEnvLookup replaces [os.LookupEnv] for environment overrides.
func WithEnvLookup(lookup func(string) (string, bool)) WatcherOption {
	return func(w *Watcher) { w.lookup = lookup }
}

// NewWatcher loads the config at path. Nothing is watched until [Watcher.Run]
// is called.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		lookup:   os.LookupEnv,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload asks a running [Watcher.Run] to re-read the file now. Requests made
// while one is pending are coalesced.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run re-reads the file every interval and on each [Watcher.Reload] until ctx
// is done, then returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-w.reload:
			slog.Info("config watcher: reload requested", "path", w.path)
		}
		if _, err := w.Check(); err != nil {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
	}
}

// Check re-reads the file once. It reports whether a new config was adopted;
// a file whose content is unchanged is not reported even if it was
// rewritten. onChange runs synchronously before Check returns.
func (w *Watcher) Check() (bool, error) {
	cfg, hash, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := parse(data, w.lookup)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
