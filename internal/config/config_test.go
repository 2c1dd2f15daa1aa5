package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestApplyEnv(t *testing.T) {
	var c Config
	err := c.applyEnv(mapLookup(map[string]string{
		"NODE_ENV":                  "production",
		"MODE":                      "indexer",
		"DATABASE_URL":              "postgres://u:p@db/educhain",
		"SUI_NETWORK":               "mainnet",
		"SUI_PACKAGE_ID":            " 0xabc ",
		"SUI_REQUEST_TIMEOUT_MS":    "3000",
		"INDEXER_POLL_INTERVAL_MS":  "1000",
		"INDEXER_BATCH_SIZE":        "250",
		"INDEXER_MAX_BACKOFF_MS":    "8000",
		"INDEXER_EVENT_FILTER_MODE": "eventType",
		"INDEXER_EVENT_TYPE":        "0xabc::educhain::CourseCreated",
		"PORT":                      "4000",
		"LOG_LEVEL":                 "debug",
		"NATS_URL":                  "nats://localhost:4222",
	}))
	require.NoError(t, err)

	assert.Equal(t, "production", c.Env)
	assert.Equal(t, ModeIndexer, c.Mode)
	assert.Equal(t, "postgres://u:p@db/educhain", c.Store.URL)
	assert.Equal(t, "mainnet", c.Sui.Network)
	assert.Equal(t, "0xabc", c.Sui.PackageID)
	assert.Equal(t, 3*time.Second, c.Sui.RequestTimeout)
	assert.Equal(t, time.Second, c.Indexer.PollInterval)
	assert.Equal(t, 250, c.Indexer.BatchSize)
	assert.Equal(t, 8*time.Second, c.Indexer.MaxBackoff)
	assert.Equal(t, FilterModeEventType, c.Indexer.FilterMode)
	assert.Equal(t, "0xabc::educhain::CourseCreated", c.Indexer.EventType)
	assert.Equal(t, ":4000", c.HTTP.Addr)
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "nats://localhost:4222", c.NATS.URL)
}

func TestApplyEnvInvalidNumbers(t *testing.T) {
	tests := map[string]string{
		"INDEXER_POLL_INTERVAL_MS": "fast",
		"INDEXER_BATCH_SIZE":       "-1",
		"SUI_REQUEST_TIMEOUT_MS":   "0",
		"INDEXER_MAX_BACKOFF_MS":   "1.5",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			var c Config
			err := c.applyEnv(mapLookup(map[string]string{key: value}))
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, key, ce.Field)
		})
	}
}

func TestDefaults(t *testing.T) {
	var c Config
	require.NoError(t, c.applyEnv(mapLookup(map[string]string{"SUI_PACKAGE_ID": "0xabc"})))
	c.setDefaults()

	assert.Equal(t, "development", c.Env)
	assert.Equal(t, ModeAll, c.Mode)
	assert.Equal(t, "testnet", c.Sui.Network)
	assert.Equal(t, DefaultRequestTimeout, c.Sui.RequestTimeout)
	assert.Equal(t, 2500*time.Millisecond, c.Indexer.PollInterval)
	assert.Equal(t, 100, c.Indexer.BatchSize)
	assert.Equal(t, 15*time.Second, c.Indexer.MaxBackoff)
	assert.Equal(t, FilterModePackage, c.Indexer.FilterMode)
	assert.Equal(t, "educhain", c.Indexer.ModuleName)
	assert.Equal(t, "0xabc", c.Indexer.PackageID)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "educhain.events", c.NATS.Subject)
	assert.Equal(t, "info", c.Logging.Level)
	assert.True(t, c.RunsIndexer())
	assert.True(t, c.RunsAPI())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{Store: StoreConfig{URL: "memory://"}, Sui: SuiConfig{PackageID: "0xabc"}}
		c.setDefaults()
		return c
	}

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing store", mutate: func(c *Config) { c.Store.URL = "" }, wantField: "store.url (DATABASE_URL)"},
		{name: "missing package", mutate: func(c *Config) { c.Sui.PackageID = "" }, wantField: "sui.package_id (SUI_PACKAGE_ID)"},
		{name: "api mode needs no package", mutate: func(c *Config) { c.Mode = ModeAPI; c.Sui.PackageID = "" }},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "worker" }, wantField: "mode"},
		{name: "unknown network", mutate: func(c *Config) { c.Sui.Network = "betanet" }, wantField: "sui.network (SUI_NETWORK)"},
		{name: "unknown network with rpc override", mutate: func(c *Config) {
			c.Sui.Network = "foo"
			c.Sui.RPCURL = "http://10.0.0.5:9000"
		}, wantField: "sui.network (SUI_NETWORK)"},
		{name: "api mode still checks network", mutate: func(c *Config) { c.Mode = ModeAPI; c.Sui.Network = "foo" }, wantField: "sui.network (SUI_NETWORK)"},
		{name: "rpc override with known network", mutate: func(c *Config) { c.Sui.Network = "localnet"; c.Sui.RPCURL = "http://10.0.0.5:9000" }},
		{name: "batch too large", mutate: func(c *Config) { c.Indexer.BatchSize = 1001 }, wantField: "indexer.batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantField, ce.Field)
			assert.True(t, IsConfigurationError(err))
		})
	}
}

func TestConfigurationErrorMessage(t *testing.T) {
	assert.Equal(t, "configuration error: sui.package_id is required", (&ConfigurationError{Field: "sui.package_id"}).Error())
	assert.Equal(t, "configuration error: mode: unknown mode \"x\"", (&ConfigurationError{Field: "mode", Reason: `unknown mode "x"`}).Error())
}

func TestLoadConfigFileWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir) // no stray .env
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: staging
store:
  url: sqlite://indexer.db
sui:
  network: devnet
  package_id: "0xfile"
indexer:
  poll_interval: 5s
  filter_mode: module
  module_name: courses
processor:
  enabled: true
  rules:
    - event_type: CourseCreated
      exclude: [secret]
`), 0o644))

	t.Setenv("SUI_PACKAGE_ID", "0xenv")
	t.Setenv("INDEXER_BATCH_SIZE", "20")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", c.Env)
	assert.Equal(t, "sqlite://indexer.db", c.Store.URL)
	assert.Equal(t, "devnet", c.Sui.Network)
	assert.Equal(t, "0xenv", c.Sui.PackageID)
	assert.Equal(t, "0xenv", c.Indexer.PackageID)
	assert.Equal(t, 5*time.Second, c.Indexer.PollInterval)
	assert.Equal(t, 20, c.Indexer.BatchSize)
	assert.Equal(t, FilterModeModule, c.Indexer.FilterMode)
	assert.Equal(t, "courses", c.Indexer.ModuleName)
	require.Len(t, c.Processor.Rules, 1)
	assert.Equal(t, []string{"secret"}, c.Processor.Rules[0].Exclude)
	require.NoError(t, c.Validate())
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DATABASE_URL=memory://\nSUI_PACKAGE_ID=0xdotenv\n"), 0o644))
	// godotenv never overrides variables that are already set
	for _, key := range []string{"DATABASE_URL", "SUI_PACKAGE_ID"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	c, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory://", c.Store.URL)
	assert.Equal(t, "0xdotenv", c.Sui.PackageID)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
