package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.PuppetDB.URL())
	assert.Equal(t, CacheMemory, cfg.Cache.Type)

	cols, err := cfg.StatusColumns()
	require.NoError(t, err)
	assert.Equal(t, rollup.DefaultStatusColumns, cols)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "puppetlens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
puppetdb:
  host: puppetdb.example.com
  port: 8081
  proto: https
  timeout: 45s
cache:
  type: redis
  redis:
    addr: redis:6379
rollup:
  status_columns: [failure, success]
scheduler:
  rebuild_interval: 10m
`), 0o600))

	cfg, err := load(envMap(map[string]string{
		FileEnv:                       path,
		"PUPPETDB_PORT":               "8443",
		"REBUILD_CONCURRENCY":         "4",
		"CLASS_EVENTS_STATUS_COLUMNS": "failure,noop,skipped",
		"PUPPETDB_TIMEOUT":            "15",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "https://puppetdb.example.com:8443", cfg.PuppetDB.URL())
	assert.Equal(t, 15*time.Second, cfg.PuppetDB.Timeout)
	assert.Equal(t, CacheRedis, cfg.Cache.Type)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.RebuildInterval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)

	cols, err := cfg.StatusColumns()
	require.NoError(t, err)
	assert.Equal(t, []rollup.Status{rollup.StatusFailure, rollup.StatusNoop, rollup.StatusSkipped}, cols)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown cache":        {"CACHE_TYPE": "memcached"},
		"postgres without dsn": {"CACHE_TYPE": "postgres"},
		"unknown status":       {"CLASS_EVENTS_STATUS_COLUMNS": "failure,audit"},
		"bad proto":            {"PUPPETDB_PROTO": "ftp"},
		"bad port":             {"PUPPETDB_PORT": "not-a-port"},
		"cert without key":     {"PUPPETDB_CERT": "/etc/ssl/client.pem"},
		"zero concurrency":     {"REBUILD_CONCURRENCY": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(envMap(env))
			assert.Error(t, err)
		})
	}
}

func TestSchedulerChecksSkippedWhenDisabled(t *testing.T) {
	_, err := load(envMap(map[string]string{
		"SCHEDULER_ENABLED":   "false",
		"REBUILD_CONCURRENCY": "0",
	}))
	assert.NoError(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := load(envMap(map[string]string{FileEnv: filepath.Join(t.TempDir(), "absent.yaml")}))
	assert.Error(t, err)
}
