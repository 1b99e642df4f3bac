package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
database_driver: sqlite
database_dsn: "file:test.db"
token_ttl: 30m
redis_addr: ""
`), 0o600))

	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "file:test.db", cfg.DatabaseDSN)
	assert.Equal(t, 30*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("htp_addr: \":1\"\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "htp_addr")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestApplyEnvAggregatesErrors(t *testing.T) {
	env := map[string]string{"JWT_TTL": "soon", "SHUTDOWN_TIMEOUT": "later", "BCRYPT_COST": "high"}
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_TTL")
	assert.Contains(t, err.Error(), "SHUTDOWN_TIMEOUT")
	assert.Contains(t, err.Error(), "BCRYPT_COST")
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.DatabaseDriver = "mysql"
	cfg.JWTSecret = ""
	cfg.WeightsPath = ""
	cfg.BcryptCost = 99

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"database_driver", "jwt_secret", "weights_path", "bcrypt_cost"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.WeightsPath = ""
	cfg.RemoteClassifierAddr = "classifier:50051"
	assert.NoError(t, cfg.Validate())
}
