package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"educhain-indexer/internal/config"
	"educhain-indexer/internal/indexer"
	"educhain-indexer/internal/store/memory"
	"educhain-indexer/internal/store/sqlstore"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, "memory://", testLogger())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)
	st.Close()

	st, err = openStore(ctx, "sqlite://"+filepath.Join(t.TempDir(), "events.db"), testLogger())
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, st)
	st.Close()

	_, err = openStore(ctx, "redis://localhost", testLogger())
	assert.True(t, config.IsConfigurationError(err))
}

func validConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{URL: "memory://"},
		Sui:   config.SuiConfig{Network: "localnet", PackageID: "0xabc"},
		Indexer: config.IndexerConfig{
			FilterMode: config.FilterModeModule,
			ModuleName: "educhain",
			PackageID:  "0xabc",
			BatchSize:  50,
		},
	}
}

func TestBuildIndexer(t *testing.T) {
	cfg := validConfig()
	cfg.Processor = config.ProcessorConfig{Enabled: true, Rules: []config.RuleConfig{{EventType: "CourseCreated", Exclude: []string{"secret"}}}}

	ix, cleanup, err := buildIndexer(cfg, memory.New(), prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, indexer.StateIdle, ix.State())
}

func TestBuildIndexerConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "event type mode without type", mutate: func(c *config.Config) { c.Indexer.FilterMode = config.FilterModeEventType }},
		{name: "unknown network", mutate: func(c *config.Config) { c.Sui.Network = "betanet" }},
		{name: "invalid rules", mutate: func(c *config.Config) {
			c.Processor = config.ProcessorConfig{Enabled: true, Rules: []config.RuleConfig{{Include: []string{"a"}, Exclude: []string{"b"}}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			_, _, err := buildIndexer(cfg, memory.New(), prometheus.NewRegistry(), testLogger())
			assert.True(t, config.IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestRunQueryEventsUsage(t *testing.T) {
	assert.Error(t, runQueryEvents(nil, testLogger()))
	assert.Error(t, runQueryEvents([]string{"0xabc::m::E", "zero"}, testLogger()))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir)) // no stray .env
	t.Cleanup(func() { _ = os.Chdir(wd) })
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
mode: indexer
store:
  url: memory://
sui:
  network: betanet
  package_id: "0xabc"
`)
	err := run(path, testLogger())
	assert.True(t, config.IsConfigurationError(err), "got %v", err)
}

func TestRunReturnsComponentFailure(t *testing.T) {
	path := writeConfig(t, `
mode: api
store:
  url: sqlite://`+filepath.Join(t.TempDir(), "events.db")+`
http:
  addr: "127.0.0.1:-1"
`)
	done := make(chan error, 1)
	go func() { done <- run(path, testLogger()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query API")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after the API failed to listen")
	}
}
