package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnChange: func(*Config) {}})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Loader: NewLoader("x.json")})
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	clearProviderEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "threadagent.json")
	t.Setenv("THREADAGENT_DATA_DIR", tmpDir)

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "info"}}`), 0o644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Loader:   NewLoader(configPath),
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg *Config) { changes <- cfg },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := `{"logging": {"level": "debug"}, "agent": {"system_message": "Answer in French."}}`
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "Answer in French.", cfg.Agent.SystemMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not delivered")
	}
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	clearProviderEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "threadagent.json")
	t.Setenv("THREADAGENT_DATA_DIR", tmpDir)
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0o644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Loader:   NewLoader(configPath),
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg *Config) { changes <- cfg },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "loud"}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "unrelated.json"), []byte(`{}`), 0o644))

	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload with level %q", cfg.Logging.Level)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(WatcherConfig{
		Loader:   NewLoader(filepath.Join(t.TempDir(), "threadagent.json")),
		OnChange: func(*Config) {},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
