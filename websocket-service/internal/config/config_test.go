package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"videogen-server/shared/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withSecretsDir(t *testing.T, secrets map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, value := range secrets {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o600))
	}
	prev := utils.SecretsDir
	utils.SecretsDir = dir
	t.Cleanup(func() { utils.SecretsDir = prev })
}

func TestLoadConfig_Defaults(t *testing.T) {
	withSecretsDir(t, map[string]string{"jwt_secret": "s3cret"})

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Server.Port)
	assert.Equal(t, 20, cfg.Server.MaxSubscriptions)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.GetAllowedOrigins())
	assert.Equal(t, "videogen:progress", cfg.Progress.ProgressSettings().ChannelPrefix)
	assert.Equal(t, "videogen:queue", cfg.Progress.QueueSettings().Prefix)
	assert.Empty(t, cfg.RabbitMQ.URL)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	withSecretsDir(t, nil)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "redis:6379", cfg.Redis.Database().Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.GetAllowedOrigins())
}

func TestLoadConfig_MissingJWTSecret(t *testing.T) {
	withSecretsDir(t, nil)
	t.Setenv("JWT_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}
