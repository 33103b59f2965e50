package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trustgate")
	t.Setenv("JWT_SECRET", secret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiresIn)
	assert.Equal(t, "all", cfg.LogoutScope)
	assert.Equal(t, "X-Device-ID", cfg.DeviceIDHeader)
	assert.False(t, cfg.SMTP.Enabled())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"DATABASE_URL=postgres://db/trustgate\nJWT_SECRET="+secret+"\nJWT_EXPIRES_IN=2h\nSMTP_HOST=mail.local\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"DATABASE_URL", "JWT_SECRET", "JWT_EXPIRES_IN", "SMTP_HOST"} {
			os.Unsetenv(k)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/trustgate", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Hour, cfg.JWTExpiresIn)
	assert.True(t, cfg.SMTP.Enabled())
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trustgate")
	t.Setenv("JWT_SECRET", secret)

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadRejectsShortSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trustgate")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load("")
	assert.ErrorContains(t, err, "JWT_SECRET")
}
