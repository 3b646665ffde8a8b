package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("MissingToken", func(t *testing.T) {
		os.Unsetenv("BOT_TOKEN")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "bot token")
	})

	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("BOT_TOKEN", "123456:test-token")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "123456:test-token", cfg.BotToken)
		assert.Equal(t, DefaultDataDir, cfg.DataDir)
		assert.Equal(t, uint16(DefaultWebPort), cfg.WebPort)
		assert.Equal(t, DefaultQueueWorkers, cfg.QueueWorkers)
		assert.Equal(t, DefaultQueueCapacity, cfg.QueueCapacity)
		assert.Equal(t, DefaultApktool, cfg.ApktoolPath)
		assert.Equal(t, DefaultSigner, cfg.SignerPath)
		assert.Equal(t, filepath.Join(DefaultDataDir, "magnet.apk"), cfg.BasePath)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("BOT_TOKEN", "123456:test-token")
		t.Setenv("APK_URL", "https://drive.google.com/uc?export=download&id=abc123")
		t.Setenv("APKFORGE_DATA_DIR", "/tmp/forge-data")
		t.Setenv("APKFORGE_QUEUE_WORKERS", "4")
		t.Setenv("APKFORGE_REDIS_ADDR", "localhost:6379")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, "https://drive.google.com/uc?export=download&id=abc123", cfg.BaseURL)
		assert.Equal(t, "/tmp/forge-data", cfg.DataDir)
		assert.Equal(t, 4, cfg.QueueWorkers)
		assert.Equal(t, "localhost:6379", cfg.RedisAddr)
		assert.Equal(t, filepath.Join("/tmp/forge-data", "magnet.apk"), cfg.BasePath)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		t.Setenv("BOT_TOKEN", "123456:test-token")

		dir := t.TempDir()
		path := filepath.Join(dir, "apkforge.yaml")
		content := []byte("queue:\n  workers: 8\n  capacity: 64\nweb:\n  port: 9090\n")
		require.NoError(t, os.WriteFile(path, content, 0644))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 8, cfg.QueueWorkers)
		assert.Equal(t, 64, cfg.QueueCapacity)
		assert.Equal(t, uint16(9090), cfg.WebPort)
	})

	t.Run("InvalidWorkers", func(t *testing.T) {
		t.Setenv("BOT_TOKEN", "123456:test-token")
		t.Setenv("APKFORGE_QUEUE_WORKERS", "0")

		_, err := Load("")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "workers")
	})
}
