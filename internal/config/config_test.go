package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "Gemini", cfg.Chat.AssistantName)
	assert.Equal(t, 200, cfg.Chat.MessageWindow)
	assert.Equal(t, 60*time.Second, cfg.Generation.Timeout)
	assert.Zero(t, cfg.Chat.GuestMessageQuota)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatverse.yaml")
	body := `
addr: ":9000"
db_dsn: "postgres://file"
jwt_secret: "file-secret"
chat:
  assistant_name: "Helper"
  guest_message_quota: 20
generation:
  endpoint: "http://llm.local/generate"
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("DB_DSN", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres://env", cfg.DBDSN)
	assert.Equal(t, "file-secret", cfg.JWTSecret)
	assert.Equal(t, "Helper", cfg.Chat.AssistantName)
	assert.Equal(t, 20, cfg.Chat.GuestMessageQuota)
	assert.Equal(t, 5*time.Second, cfg.Generation.Timeout)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := &Config{DBDSN: "postgres://x"}
	assert.EqualError(t, cfg.Validate(), "JWT_SECRET is not set")

	cfg = &Config{JWTSecret: "s"}
	assert.EqualError(t, cfg.Validate(), "DB_DSN is not set")

	cfg = &Config{DBDSN: "d", JWTSecret: "s", Generation: GenerationConfig{Endpoint: "ftp://x"}}
	assert.Error(t, cfg.Validate())
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CONFIG_FILE", "")

	t.Setenv("GENERATION_TIMEOUT", "90")
	_, err := Load("")
	assert.ErrorContains(t, err, "GENERATION_TIMEOUT")

	t.Setenv("GENERATION_TIMEOUT", "90s")
	t.Setenv("GUEST_MESSAGE_QUOTA", "ten")
	_, err = Load("")
	assert.ErrorContains(t, err, "GUEST_MESSAGE_QUOTA")

	t.Setenv("GUEST_MESSAGE_QUOTA", "10")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, 10, cfg.Chat.GuestMessageQuota)
}
