package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment = "Production"

[log]
level = "debug"

[store]
driver = "sqlite"
db_path = "/tmp/agents.db"

[completion]
provider = "responses"
endpoint = "https://api.example.com/v1/responses"
model = "gpt-test"
timeout_ms = 5000

[builder]
history_limit = 50

[chat]
memory_window = 4

[custom]
flag = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/tmp/agents.db", cfg.Store.DBPath)
	assert.Equal(t, ProviderResponses, cfg.Completion.Provider)
	assert.Equal(t, 5*time.Second, cfg.Completion.Timeout())
	assert.Equal(t, 2, cfg.Completion.Retries, "unset keys keep their defaults")
	assert.Equal(t, 50, cfg.Builder.HistoryLimit)
	assert.Equal(t, 4, cfg.Chat.MemoryWindow)
	assert.Equal(t, "You are a helpful AI assistant.", cfg.Chat.DefaultSystemPrompt)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "custom")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, ProviderNone, cfg.Completion.Provider)
	assert.True(t, filepath.IsAbs(cfg.Store.DBPath))
}

func TestLoadRejectsInconsistentSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown driver", body: "[store]\ndriver = \"mongo\"\n"},
		{name: "supabase without url", body: "[store]\ndriver = \"supabase\"\n"},
		{name: "responses without endpoint", body: "[completion]\nprovider = \"responses\"\n"},
		{name: "function without supabase", body: "[completion]\nprovider = \"supabase_function\"\n"},
		{name: "unknown provider", body: "[completion]\nprovider = \"carrier-pigeon\"\n"},
		{name: "bad toml", body: "[store\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandHome("~/agents/db.sqlite")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "agents", "db.sqlite"), got)

	got, err = ExpandHome("relative/../path")
	require.NoError(t, err)
	assert.Equal(t, "path", got)
}
