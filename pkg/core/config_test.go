package core_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memtier "github.com/oceanbase/memtier-go/pkg/core"
)

func TestLoadConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, config *memtier.Config)
	}{
		{
			name: "sqlite with hash embedder",
			envVars: map[string]string{
				"DATABASE_PROVIDER":  "sqlite",
				"SQLITE_PATH":        "./test.db",
				"EMBEDDING_PROVIDER": "hash",
				"LTM_VECTOR_DIM":     "128",
				"STM_DEFAULT_TTL":    "1800",
			},
			check: func(t *testing.T, config *memtier.Config) {
				assert.Equal(t, "sqlite", config.Durable.Provider)
				assert.Equal(t, "./test.db", config.Durable.SQLitePath)
				assert.Equal(t, 128, config.Embedder.Dimensions)
				assert.Equal(t, 1800, config.Policy.DefaultTTLSeconds)
			},
		},
		{
			name: "redis tier with postgres",
			envVars: map[string]string{
				"TIER_STORE_PROVIDER": "redis",
				"REDIS_HOST":          "cache",
				"REDIS_PORT":          "6380",
				"DATABASE_PROVIDER":   "postgres",
				"POSTGRES_HOST":       "db",
				"POSTGRES_DATABASE":   "memories",
			},
			check: func(t *testing.T, config *memtier.Config) {
				assert.Equal(t, "redis", config.TierStore.Provider)
				assert.Equal(t, "cache:6380", config.TierStore.Addr)
				assert.Equal(t, "db", config.Durable.Host)
				assert.Equal(t, 5432, config.Durable.Port)
				assert.Equal(t, "memories", config.Durable.DBName)
			},
		},
		{
			name: "oceanbase is served by the mysql driver",
			envVars: map[string]string{
				"DATABASE_PROVIDER": "oceanbase",
				"MYSQL_HOST":        "ob",
				"MYSQL_PORT":        "2881",
			},
			check: func(t *testing.T, config *memtier.Config) {
				assert.Equal(t, "mysql", config.Durable.Provider)
				assert.Equal(t, 2881, config.Durable.Port)
			},
		},
		{
			name: "category decay rates and consolidation",
			envVars: map[string]string{
				"CATEGORY_DECAY_RATES":    "chat=2, fact=0.5",
				"CONSOLIDATION_THRESHOLD": "3",
				"API_PORT":                "9090",
			},
			check: func(t *testing.T, config *memtier.Config) {
				assert.Equal(t, map[string]float64{"chat": 2, "fact": 0.5}, config.Policy.CategoryDecayRates)
				assert.Equal(t, int64(3), config.Consolidation.Threshold)
				assert.Equal(t, ":9090", config.Server.Addr)
			},
		},
		{
			name:    "malformed number",
			envVars: map[string]string{"STM_MAX_SIZE": "lots"},
			wantErr: true,
		},
		{
			name:    "malformed decay rates",
			envVars: map[string]string{"CATEGORY_DECAY_RATES": "chat"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			config, err := memtier.LoadConfigFromEnv()
			if tt.wantErr {
				assert.ErrorIs(t, err, memtier.ErrInvalidConfig)
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, config)
			tt.check(t, config)
		})
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WORLD_STATE_HISTORY_LIMIT=7\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("WORLD_STATE_HISTORY_LIMIT") })

	config, err := memtier.LoadConfigFromEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, config.WorldState.HistoryLimit)

	_, err = memtier.LoadConfigFromEnvFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoadConfigFromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memtier.json")
	data := `{
		"durable": {"provider": "sqlite", "sqlite_path": "/var/lib/memtier.db", "vector_index": "chromem"},
		"consolidation": {"threshold": 9}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	config, err := memtier.LoadConfigFromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/memtier.db", config.Durable.SQLitePath)
	assert.Equal(t, "chromem", config.Durable.VectorIndex)
	assert.Equal(t, int64(9), config.Consolidation.Threshold)
	assert.Equal(t, "memory", config.TierStore.Provider, "missing fields keep their defaults")
	require.NoError(t, config.Validate())

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = memtier.LoadConfigFromJSON(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *memtier.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *memtier.Config) {}},
		{name: "unknown tier store", mutate: func(c *memtier.Config) { c.TierStore.Provider = "memcached" }, wantErr: true},
		{name: "redis without address", mutate: func(c *memtier.Config) {
			c.TierStore.Provider = "redis"
			c.TierStore.Addr = ""
		}, wantErr: true},
		{name: "postgres without host", mutate: func(c *memtier.Config) { c.Durable.Provider = "postgres" }, wantErr: true},
		{name: "unknown vector index", mutate: func(c *memtier.Config) { c.Durable.VectorIndex = "faiss" }, wantErr: true},
		{name: "openai without key", mutate: func(c *memtier.Config) { c.Embedder.Provider = "openai" }, wantErr: true},
		{name: "zero default ttl", mutate: func(c *memtier.Config) { c.Policy.DefaultTTLSeconds = 0 }, wantErr: true},
		{name: "inverted ttl bounds", mutate: func(c *memtier.Config) {
			c.Policy.MinTTLSeconds = 100
			c.Policy.MaxTTLSeconds = 10
		}, wantErr: true},
		{name: "negative importance weight", mutate: func(c *memtier.Config) { c.Policy.ImportanceWeight = -1 }, wantErr: true},
		{name: "zero category decay rate", mutate: func(c *memtier.Config) {
			c.Policy.CategoryDecayRates = map[string]float64{"chat": 2, "fact": 0}
		}, wantErr: true},
		{name: "negative category decay rate", mutate: func(c *memtier.Config) {
			c.Policy.CategoryDecayRates = map[string]float64{"chat": -0.5}
		}, wantErr: true},
		{name: "slow category decay rate", mutate: func(c *memtier.Config) {
			c.Policy.CategoryDecayRates = map[string]float64{"fact": 1e-9}
		}},
		{name: "negative threshold", mutate: func(c *memtier.Config) { c.Consolidation.Threshold = -1 }, wantErr: true},
		{name: "node id out of range", mutate: func(c *memtier.Config) { c.Runtime.NodeID = 4096 }, wantErr: true},
		{name: "unknown log level", mutate: func(c *memtier.Config) { c.Runtime.LogLevel = "chatty" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := memtier.DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, memtier.ErrInvalidConfig)
			var memErr *memtier.MemoryError
			require.True(t, errors.As(err, &memErr))
			assert.Equal(t, "Validate", memErr.Op)
		})
	}
}

func TestFindEnvFile(t *testing.T) {
	envPath, found := memtier.FindEnvFile()
	if found {
		assert.NotEmpty(t, envPath)
	} else {
		assert.Empty(t, envPath)
	}
}
