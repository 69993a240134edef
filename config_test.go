package upa

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Setenv("UPA_TEST_PG_HOST", "db.internal")

	data := []byte(`
backends:
  primary:
    driver: postgres
    host: ${UPA_TEST_PG_HOST}
    port: 5432
    database: app
    pool:
      max_size: 20
      borrow_timeout: 2s
  events:
    driver: cassandra
    contact_points: [c1, c2]
    keyspace: events
`)
	cfgs, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	primary := cfgs["primary"]
	assert.Equal(t, "db.internal", primary.Host)
	assert.Equal(t, 5432, primary.Port)
	assert.Equal(t, int32(20), primary.Pool.MaxSize)
	assert.Equal(t, 2*time.Second, primary.Pool.BorrowTimeout)
	assert.Equal(t, DefaultHealthCheckPeriod, primary.Pool.HealthCheckPeriod)

	events := cfgs["events"]
	assert.Equal(t, []string{"c1", "c2"}, events.ContactPoints)
	assert.Equal(t, DefaultPoolSize, events.Pool.MaxSize)
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"no backends": "backends: {}\n",
		"no driver":   "backends:\n  x:\n    host: h\n",
		"bad yaml":    "backends: [\n",
	}
	for name, data := range tests {
		_, err := ParseConfig([]byte(data))
		assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument), "%s: got %v", name, err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upa.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends:\n  local:\n    driver: sqlite3\n    database: ':memory:'\n"), 0o600))

	cfgs, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfgs["local"].Database)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ORDERS_DRIVER", "mysql")
	t.Setenv("ORDERS_PORT", "3307")
	t.Setenv("ORDERS_POOL_MAX_SIZE", "4")
	t.Setenv("ORDERS_POOL_BORROW_TIMEOUT", "250ms")
	t.Setenv("ORDERS_TRACING", "true")
	t.Setenv("ORDERS_CONTACT_POINTS", "a,b")
	t.Setenv("ORDERS_MAX_OPEN_CONNS", "not-a-number")

	cfg := ConfigFromEnv("orders")
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 3307, cfg.Port)
	assert.Equal(t, int32(4), cfg.Pool.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.BorrowTimeout)
	assert.True(t, cfg.Tracing)
	assert.Equal(t, []string{"a", "b"}, cfg.ContactPoints)
	assert.Equal(t, 0, cfg.MaxOpenConns)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("UPA_DOTENV_VALUE=from-file\n"), 0o600))
	t.Setenv("UPA_DOTENV_VALUE", "")
	os.Unsetenv("UPA_DOTENV_VALUE")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("UPA_DOTENV_VALUE"))
	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "nothing.env")))
}

func TestConfigLogger(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, Config{LogLevel: "debug"}.Logger().Logger.GetLevel())
	assert.Equal(t, logrus.InfoLevel, NewLogger("loud").Logger.GetLevel())
	assert.NotNil(t, Config{}.Logger())
}
