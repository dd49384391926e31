package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "reactions.db", cfg.SQLitePath)
	assert.True(t, cfg.AutoCreateSubjects)
	assert.Equal(t, 10*time.Minute, cfg.DedupTTL)
	assert.Equal(t, 256, cfg.DedupMaxPerVoter)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
	assert.Equal(t, 16, cfg.SubscriberBuffer)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestNew_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DEDUP_TTL", "30s")
	t.Setenv("AUTO_CREATE_SUBJECTS", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := New(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.DedupTTL)
	assert.False(t, cfg.AutoCreateSubjects)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestNew_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUDIT_INTERVAL=5m\nLOG_LEVEL=debug\n"), 0o600))
	// godotenv sets these for the whole process; make sure they are cleared.
	t.Setenv("AUDIT_INTERVAL", "")
	t.Setenv("LOG_LEVEL", "")
	os.Unsetenv("AUDIT_INTERVAL")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.AuditInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	base := Config{Port: 8080, StoreDriver: DriverSQLite, SQLitePath: "x.db", AuditEnabled: true, AuditInterval: time.Minute}
	require.NoError(t, base.Validate())

	pg := base
	pg.StoreDriver = DriverPostgres
	assert.Error(t, pg.Validate(), "postgres needs DATABASE_URL")
	pg.DatabaseURL = "postgres://localhost/reactions"
	assert.NoError(t, pg.Validate())

	unknown := base
	unknown.StoreDriver = "redis"
	assert.Error(t, unknown.Validate())

	badPort := base
	badPort.Port = 0
	assert.Error(t, badPort.Validate())

	noInterval := base
	noInterval.AuditInterval = 0
	assert.Error(t, noInterval.Validate())
	noInterval.AuditEnabled = false
	assert.NoError(t, noInterval.Validate())
}
