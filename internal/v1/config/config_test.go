package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnv_Defaults(t *testing.T) {
	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DevJWTKey, cfg.JWTKey)
	assert.Equal(t, "public", cfg.PublicDir)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.False(t, cfg.RedisEnabled)
	assert.Equal(t, "1000-M", cfg.RateLimitAPIGlobal)
	assert.Equal(t, "100-M", cfg.RateLimitWsIP)
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port string
		ok   bool
	}{
		{"valid", "9000", true},
		{"not a number", "http", false},
		{"zero", "0", false},
		{"too large", "70000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORT", tt.port)
			_, err := ValidateEnv()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "PORT")
			}
		})
	}
}

func TestValidateEnv_Redis(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, "hunter2", cfg.RedisPassword)
}

func TestValidateEnv_RedisBadAddr(t *testing.T) {
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-an-addr")

	_, err := ValidateEnv()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateEnv_CustomJWTKey(t *testing.T) {
	t.Setenv("JWT_KEY", "a-much-better-secret-than-the-default")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, "a-much-better-secret-than-the-default", cfg.JWTKey)
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("host:notaport"))
	assert.False(t, isValidHostPort("host:0"))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "***", redactSecret("short"))
	assert.Equal(t, "abcdefgh***", redactSecret("abcdefghijklmnop"))
}
