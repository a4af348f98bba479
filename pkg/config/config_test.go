package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exampleConfig = `{
	"databases": [
		{
			"name": "app",
			"listen": ["6432", "127.0.0.1:6433"],
			"pooler_mode": "transaction",
			"prepared_statements": {"cache_capacity": 100},
			"users": [
				{
					"username": {"insecure_value": "app_user"},
					"password": {"env_var": "APP_PASSWORD"}
				}
			],
			"backend": {
				"host": "db.internal",
				"port": 5432,
				"pool_max_conns": 20,
				"connect_timeout": "3s",
				"default_startup_parameters": {
					"application_name": "pgdog",
					"statement_timeout": "30000"
				}
			}
		}
	],
	"prometheus": {"listen": ":9187"}
}`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(exampleConfig)
	require.NoError(t, err)
	require.Len(t, cfg.Databases, 1)

	db := cfg.Databases[0]
	assert.Equal(t, "app", db.Name)
	assert.Equal(t, []ListenAddr{":6432", "127.0.0.1:6433"}, db.Listen)
	assert.Equal(t, PoolerModeTransaction, db.GetPoolerMode())
	assert.Equal(t, 100, db.PreparedStatements.GetCacheCapacity())

	assert.Equal(t, "db.internal", db.Backend.Host)
	assert.Equal(t, int32(20), db.Backend.GetPoolMaxConns())
	assert.Equal(t, 3*time.Second, db.Backend.GetConnectTimeout())

	require.NotNil(t, cfg.Prometheus)
	assert.Equal(t, ":9187", cfg.Prometheus.GetListen())
	assert.Equal(t, "/metrics", cfg.Prometheus.GetPath())
}

func TestStartupParameters_PreservesOrder(t *testing.T) {
	cfg, err := ParseConfig(exampleConfig)
	require.NoError(t, err)

	var keys []string
	for k := range cfg.Databases[0].Backend.DefaultStartupParameters.All() {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"application_name", "statement_timeout"}, keys)
}

func TestConfig_SecretsIterator(t *testing.T) {
	cfg, err := ParseConfig(exampleConfig)
	require.NoError(t, err)

	refs := map[string]SecretRef{}
	for path, ref := range cfg.Secrets() {
		refs[path] = ref
	}
	require.Len(t, refs, 2)
	assert.Equal(t, "app_user", refs["databases[0].users[0].username"].InsecureValue)
	assert.Equal(t, "APP_PASSWORD", refs["databases[0].users[0].password"].EnvVar)
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("APP_PASSWORD", "hunter2")

	cfg, err := ParseConfig(exampleConfig)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(context.Background(), NewSecretCache(nil)))
}

func TestConfig_ValidateCollectsErrors(t *testing.T) {
	cfg, err := ParseConfig(`{
		"databases": [
			{"name": "", "listen": [], "users": [], "backend": {"host": ""}, "pooler_mode": "bogus"}
		]
	}`)
	require.NoError(t, err)

	err = cfg.Validate(context.Background(), NewSecretCache(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "listen")
	assert.Contains(t, err.Error(), "pooler_mode")
	assert.Contains(t, err.Error(), "host is required")
}

func TestDefaults(t *testing.T) {
	db := DatabaseConfig{}
	assert.Equal(t, PoolerModeTransaction, db.GetPoolerMode())
	assert.Equal(t, 500, db.PreparedStatements.GetCacheCapacity())

	b := BackendConfig{}
	assert.Equal(t, int32(10), b.GetPoolMaxConns())
	assert.Equal(t, 30*time.Minute, b.GetMaxConnIdleTime())
	assert.Equal(t, 5*time.Second, b.GetConnectTimeout())
}

func TestBackendConfig_PoolConfig(t *testing.T) {
	b := BackendConfig{Host: "localhost", Port: 15432, Database: "app", PoolMaxConns: 7}
	b.DefaultStartupParameters.Set("application_name", "pgdog")

	cfg, err := b.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.ConnConfig.Host)
	assert.Equal(t, uint16(15432), cfg.ConnConfig.Port)
	assert.Equal(t, "app", cfg.ConnConfig.Database)
	assert.Equal(t, int32(7), cfg.MaxConns)
	assert.Equal(t, "pgdog", cfg.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, 0, cfg.ConnConfig.StatementCacheCapacity)
}

func TestListenAddr_Normalization(t *testing.T) {
	cfg, err := ParseConfig(`{"databases": [{"name": "x", "listen": ["7000"], "users": [], "backend": {"host": "h"}}]}`)
	require.NoError(t, err)
	assert.Equal(t, ListenAddr(":7000"), cfg.Databases[0].Listen[0])
}
