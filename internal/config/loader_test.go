package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadJSONOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body, _ := json.Marshal(map[string]any{
		"services": map[string]any{
			"gateway": map[string]any{"port": 9000},
		},
		"lockers": map[string]any{"total_count": 40},
	})
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Services.Gateway.Port)
	assert.Equal(t, 3001, cfg.Services.Panel.Port) // untouched default
	assert.Equal(t, 40, cfg.Lockers.TotalCount)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Services, cfg.Services)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body, _ := json.Marshal(map[string]any{
		"services": map[string]any{"gateway": map[string]any{"port": 9000}},
	})
	require.NoError(t, os.WriteFile(path, body, 0o644))

	t.Setenv("LOCKER_GATEWAY_PORT", "9500")
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Services.Gateway.Port)
}

func TestMigrateLegacyYAML(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "legacy.yaml")
	dst := filepath.Join(dir, "config.json")
	yamlBody := "lockers:\n  total_count: 64\n  reservation_seconds: 120\n"
	require.NoError(t, os.WriteFile(src, []byte(yamlBody), 0o644))

	require.NoError(t, MigrateLegacyYAML(src, dst))

	cfg, err := NewLoader(dst).Load()
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Lockers.TotalCount)
	assert.Equal(t, 120, cfg.Lockers.ReservationSeconds)
}

func TestHolderReloadNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"lockers":{"total_count":10}}`), 0o644))

	h, err := NewHolder(NewLoader(path))
	require.NoError(t, err)
	assert.Equal(t, 10, h.Get().Lockers.TotalCount)

	received := make(chan Config, 1)
	h.OnReload(func(c Config) { received <- c })

	require.NoError(t, os.WriteFile(path, []byte(`{"lockers":{"total_count":99}}`), 0o644))
	require.NoError(t, h.Reload())

	select {
	case c := <-received:
		assert.Equal(t, 99, c.Lockers.TotalCount)
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
	assert.Equal(t, 99, h.Get().Lockers.TotalCount)
}

func TestHolderWatchStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	h, err := NewHolder(NewLoader(path))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
