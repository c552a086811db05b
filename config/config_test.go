package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "bot_token: abc\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.BotToken)
	assert.Equal(t, "data/archive.db", cfg.Storage.SQLitePath)
	assert.True(t, cfg.Backfill.Enabled)
	assert.Equal(t, 100, cfg.Backfill.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Backfill.MinDelay)
	assert.Equal(t, 8*time.Second, cfg.Backfill.MaxDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.CatchUp.Delay)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 50, cfg.Cache.MaxChannels)
	assert.Equal(t, 200, cfg.Cache.MaxMessages)
	assert.Equal(t, "@hourly", cfg.Scheduler.StatsCron)
	assert.False(t, cfg.Mirror.Enabled)
}

func TestLoadConfigMergesChannelsAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
bot:
  admin_channel_id: "42"
backfill:
  page_size: 50
  min_delay: 1s
  max_delay: 2s
mirror:
  enabled: true
  url: ws://localhost:8000/rpc
`)
	writeFile(t, filepath.Join(dir, "config", "channels.json"), `{"exclude": ["secret"], "include": []}`)
	t.Setenv("CACHE_MAX_MESSAGES", "75")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "42", cfg.AdminChannelID)
	assert.Equal(t, 50, cfg.Backfill.PageSize)
	assert.Equal(t, time.Second, cfg.Backfill.MinDelay)
	assert.Equal(t, 75, cfg.Cache.MaxMessages)
	assert.Equal(t, []string{"secret"}, cfg.Exclude)
	assert.True(t, cfg.Mirror.Enabled)
	assert.Equal(t, "archive", cfg.Mirror.Namespace)
	assert.False(t, cfg.ChannelAllowed("secret"))
	assert.True(t, cfg.ChannelAllowed("general"))
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"page size":   "backfill:\n  page_size: 500\n",
		"delay range": "backfill:\n  min_delay: 5s\n  max_delay: 1s\n",
		"mirror url":  "mirror:\n  enabled: true\n",
		"broken yaml": "backfill: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, body)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
