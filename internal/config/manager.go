package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called with every configuration applied after the initial load
type ReloadFunc func(cfg *Config)

// Manager provides thread-safe, read-only configuration management.
// The file is never written by the coordinator; updates come from external
// sources (ConfigMaps, volume mounts) and are validated before being applied.
// An invalid update keeps the last good configuration active.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	path   string

	hooksMu sync.Mutex
	hooks   []ReloadFunc

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher
}

// NewManager loads and validates the initial configuration from path
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	cfg, err := LoadConfig(WithConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	m.config = cfg
	return m, nil
}

// OnReload registers a function called after every successful reload
func (m *Manager) OnReload(fn ReloadFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// GetConfig returns a shallow copy of the current configuration
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.config
	return &cp
}

// ReloadConfig reads the file and applies it if valid
func (m *Manager) ReloadConfig() error {
	cfg, err := LoadConfig(WithConfigPath(m.path))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	m.hooksMu.Lock()
	hooks := make([]ReloadFunc, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.Unlock()

	for _, fn := range hooks {
		fn(cfg)
	}

	slog.Info("Configuration reloaded", "path", m.path, "blacklist_size", len(cfg.Blacklist))
	return nil
}

// WatchConfig reloads the configuration whenever the file changes.
// It blocks until ctx is cancelled.
func (m *Manager) WatchConfig(ctx context.Context) error {
	m.watcherMu.Lock()
	if m.watcher != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("config watcher is already running")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watcherMu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	m.watcher = watcher
	m.watcherMu.Unlock()

	if err := watcher.Add(m.path); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", m.path, err)
	}
	slog.Info("Watching configuration file", "path", m.path)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping config file watcher")
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := m.ReloadConfig(); err != nil {
					slog.Error("Failed to reload configuration, keeping previous", "path", m.path, "error", err)
				}
			}
			// atomic replacements (ConfigMap symlink swaps) remove the watched file
			if event.Has(fsnotify.Remove) {
				_ = watcher.Add(m.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// Close releases the file watcher
func (m *Manager) Close() error {
	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	if m.watcher == nil {
		return nil
	}
	if err := m.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	m.watcher = nil
	return nil
}
