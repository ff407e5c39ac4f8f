package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamgate.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfigFile(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ServerAddress)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, 2, cfg.ServerIOThreads)
	assert.Equal(t, 4, cfg.ThreadPoolSize)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 2, cfg.DBMinSize)
	assert.Equal(t, 10, cfg.DBMaxSize)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, 60*time.Second, cfg.SchedulerTimeout)
	assert.Equal(t, 30*time.Second, cfg.SchedulerCleanupInterval)
}

func TestLoadFromINI(t *testing.T) {
	path := writeConfigFile(t, `
SERVER_PORT = 9090
DB_HOST = db.internal
DB_MAX_SIZE = 20
AUTH_TIMEOUT_MS = 2500
SCHEDULER_TIMEOUT_SEC = 90
LOG_TO_FILE = true
LOG_FILE_PATH = /var/log/streamgate.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 20, cfg.DBMaxSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.AuthTimeout)
	assert.Equal(t, 90*time.Second, cfg.SchedulerTimeout)
	assert.True(t, cfg.LogToFile)
	assert.Equal(t, "/var/log/streamgate.log", cfg.LogFilePath)
}

func TestEnvOverridesINI(t *testing.T) {
	path := writeConfigFile(t, "SERVER_PORT = 9090\nREDIS_HOST = ini-redis\n")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("REDIS_PASS", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.ServerPort)
	assert.Equal(t, "ini-redis", cfg.RedisHost)
	assert.Equal(t, "secret", cfg.RedisPass)
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	path := writeConfigFile(t, "DB_MIN_SIZE = 10\nDB_MAX_SIZE = 2\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConnectionStrings(t *testing.T) {
	path := writeConfigFile(t, "DB_HOST = pg\nDB_PORT = 5433\nDB_USER = u\nDB_PASS = p\nDB_NAME = sg\nREDIS_HOST = r\nREDIS_PORT = 6380\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "host=pg port=5433 user=u password=p dbname=sg sslmode=disable", cfg.DatabaseURL())
	assert.Equal(t, "r:6380", cfg.RedisAddr())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SG_TEST_STR", "x")
	t.Setenv("SG_TEST_INT", "42")
	t.Setenv("SG_TEST_BOOL", "true")

	assert.Equal(t, "x", GetEnv("SG_TEST_STR", "d"))
	assert.Equal(t, "d", GetEnv("SG_TEST_MISSING", "d"))
	assert.Equal(t, 42, GetEnvInt("SG_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("SG_TEST_MISSING", 1))
	assert.True(t, GetEnvBool("SG_TEST_BOOL", false))
}
