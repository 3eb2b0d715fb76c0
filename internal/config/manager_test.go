package config

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const managedConfigYAML = `upstream:
  endpoint: http://localhost:9000
blacklist:
  - first
`

const updatedConfigYAML = `upstream:
  endpoint: http://localhost:9000
blacklist:
  - first
  - second
`

func TestNewManager(t *testing.T) {
	t.Parallel()

	m, err := NewManager(writeConfig(t, managedConfigYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, m.GetConfig().Blacklist)

	_, err = NewManager(writeConfig(t, "upstream: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load initial configuration")
}

func TestManager_ReloadConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, managedConfigYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	var got [][]string
	m.OnReload(func(cfg *Config) { got = append(got, cfg.Blacklist) })

	require.NoError(t, os.WriteFile(path, []byte(updatedConfigYAML), 0600))
	require.NoError(t, m.ReloadConfig())
	assert.Equal(t, []string{"first", "second"}, m.GetConfig().Blacklist)
	assert.Equal(t, [][]string{{"first", "second"}}, got)

	// an invalid update keeps the last good configuration
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  endpoint: ''\n"), 0600))
	require.Error(t, m.ReloadConfig())
	assert.Equal(t, []string{"first", "second"}, m.GetConfig().Blacklist)
	assert.Len(t, got, 1, "hooks only see applied configurations")
}

func TestManager_GetConfigConcurrentWithReload(t *testing.T) {
	t.Parallel()

	m, err := NewManager(writeConfig(t, managedConfigYAML))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotEmpty(t, m.GetConfig().Upstream.Endpoint)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, m.ReloadConfig())
		}()
	}
	wg.Wait()
}

func TestManager_WatchConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, managedConfigYAML)
	m, err := NewManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	reloaded := make(chan []string, 10)
	m.OnReload(func(cfg *Config) { reloaded <- cfg.Blacklist })

	ctx, cancel := context.WithCancel(context.Background())
	watchErr := make(chan error, 1)
	go func() { watchErr <- m.WatchConfig(ctx) }()

	// the watcher needs to be registered before the write
	require.Eventually(t, func() bool {
		m.watcherMu.Lock()
		defer m.watcherMu.Unlock()
		return m.watcher != nil
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(updatedConfigYAML), 0600))

	select {
	case bl := <-reloaded:
		assert.Equal(t, []string{"first", "second"}, bl)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration was not reloaded")
	}

	assert.Error(t, m.WatchConfig(ctx), "a second watcher is rejected")

	cancel()
	select {
	case err := <-watchErr:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestManager_CloseWithoutWatcher(t *testing.T) {
	t.Parallel()

	m, err := NewManager(writeConfig(t, managedConfigYAML))
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
