package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects which parts of the service run in this process
type Mode string

const (
	ModeAll     Mode = "all"
	ModeIndexer Mode = "indexer"
	ModeAPI     Mode = "api"
)

// FilterMode selects the source-side event filter variant
type FilterMode string

const (
	FilterModePackage   FilterMode = "package"
	FilterModeModule    FilterMode = "module"
	FilterModeEventType FilterMode = "eventType"
)

const (
	DefaultNetwork        = "testnet"
	DefaultModuleName     = "educhain"
	DefaultPollInterval   = 2500 * time.Millisecond
	DefaultBatchSize      = 100
	MaxBatchSize          = 1000
	DefaultMaxBackoff     = 15 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultHTTPAddr       = ":8080"
	DefaultNATSSubject    = "educhain.events"
)

// Networks are the Sui networks the indexer can target
var Networks = []string{"localnet", "devnet", "testnet", "mainnet"}

// KnownNetwork reports whether name is one of Networks
func KnownNetwork(name string) bool {
	for _, n := range Networks {
		if n == name {
			return true
		}
	}
	return false
}

// ConfigurationError reports a missing or invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

type Config struct {
	Env       string          `yaml:"env"`
	Mode      Mode            `yaml:"mode"`
	Store     StoreConfig     `yaml:"store"`
	Sui       SuiConfig       `yaml:"sui"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StoreConfig struct {
	URL string `yaml:"url"` // postgres://, mysql://, sqlite://, memory://
}

type SuiConfig struct {
	Network        string        `yaml:"network"` // localnet, devnet, testnet, mainnet
	RPCURL         string        `yaml:"rpc_url"` // Optional: overrides the network fullnode
	PackageID      string        `yaml:"package_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type IndexerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	FilterMode   FilterMode    `yaml:"filter_mode"`
	ModuleName   string        `yaml:"module_name"` // Required if filter_mode=module
	EventType    string        `yaml:"event_type"`  // Required if filter_mode=eventType
	PackageID    string        `yaml:"-"`           // Mirrors sui.package_id
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"` // Empty disables fan-out
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type ProcessorConfig struct {
	Enabled bool         `yaml:"enabled"`
	Script  string       `yaml:"script"` // JavaScript transform, takes precedence over rules
	Rules   []RuleConfig `yaml:"rules"`
}

// RuleConfig reshapes the parsed JSON payload of matching events.
// Empty match fields match everything.
type RuleConfig struct {
	PackageID string            `yaml:"package_id"`
	Module    string            `yaml:"module"`
	EventType string            `yaml:"event_type"`
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// LoadConfig reads the optional YAML file at path, loads .env, applies environment
// overrides and fills defaults. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Missing .env is fine; variables already set in the process win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	config.setDefaults()

	return &config, nil
}

func (c *Config) setDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Mode == "" {
		c.Mode = ModeAll
	}
	if c.Sui.Network == "" {
		c.Sui.Network = DefaultNetwork
	}
	if c.Sui.RequestTimeout == 0 {
		c.Sui.RequestTimeout = DefaultRequestTimeout
	}
	if c.Indexer.PollInterval == 0 {
		c.Indexer.PollInterval = DefaultPollInterval
	}
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = DefaultBatchSize
	}
	if c.Indexer.MaxBackoff == 0 {
		c.Indexer.MaxBackoff = DefaultMaxBackoff
	}
	if c.Indexer.FilterMode == "" {
		c.Indexer.FilterMode = FilterModePackage
	}
	if c.Indexer.ModuleName == "" {
		c.Indexer.ModuleName = DefaultModuleName
	}
	c.Indexer.PackageID = c.Sui.PackageID
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = DefaultNATSSubject
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv overlays the environment variables the original deployment used
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	millis := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return &ConfigurationError{Field: key, Reason: fmt.Sprintf("expected a positive number of milliseconds, got %q", v)}
		}
		*dst = time.Duration(n) * time.Millisecond
		return nil
	}

	str("NODE_ENV", &c.Env)
	if v, ok := lookup("MODE"); ok && v != "" {
		c.Mode = Mode(strings.TrimSpace(v))
	}
	str("DATABASE_URL", &c.Store.URL)
	str("SUI_NETWORK", &c.Sui.Network)
	str("SUI_RPC_URL", &c.Sui.RPCURL)
	str("SUI_PACKAGE_ID", &c.Sui.PackageID)
	if err := millis("SUI_REQUEST_TIMEOUT_MS", &c.Sui.RequestTimeout); err != nil {
		return err
	}
	if err := millis("INDEXER_POLL_INTERVAL_MS", &c.Indexer.PollInterval); err != nil {
		return err
	}
	if err := millis("INDEXER_MAX_BACKOFF_MS", &c.Indexer.MaxBackoff); err != nil {
		return err
	}
	if v, ok := lookup("INDEXER_BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return &ConfigurationError{Field: "INDEXER_BATCH_SIZE", Reason: fmt.Sprintf("expected a positive integer, got %q", v)}
		}
		c.Indexer.BatchSize = n
	}
	if v, ok := lookup("INDEXER_EVENT_FILTER_MODE"); ok && v != "" {
		c.Indexer.FilterMode = FilterMode(strings.TrimSpace(v))
	}
	str("INDEXER_MODULE_NAME", &c.Indexer.ModuleName)
	str("INDEXER_EVENT_TYPE", &c.Indexer.EventType)
	if v, ok := lookup("PORT"); ok && v != "" {
		// PORT=8080 and PORT=:8080 are both accepted
		c.HTTP.Addr = ":" + strings.TrimPrefix(strings.TrimSpace(v), ":")
	}
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT", &c.NATS.Subject)
	return nil
}

// RunsIndexer reports whether the indexer loop runs in this process
func (c *Config) RunsIndexer() bool {
	return c.Mode == ModeAll || c.Mode == ModeIndexer
}

// RunsAPI reports whether the query API runs in this process
func (c *Config) RunsAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// Validate checks required settings. Filter-specific fields are checked when the
// filter is built.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIndexer, ModeAPI:
	default:
		return &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Mode)}
	}
	if c.Store.URL == "" {
		return &ConfigurationError{Field: "store.url (DATABASE_URL)"}
	}
	// Checked even when rpc_url overrides the fullnode
	if !KnownNetwork(c.Sui.Network) {
		return &ConfigurationError{
			Field:  "sui.network (SUI_NETWORK)",
			Reason: fmt.Sprintf("unknown network %q (want %s)", c.Sui.Network, strings.Join(Networks, ", ")),
		}
	}
	if !c.RunsIndexer() {
		return nil
	}
	if c.Sui.PackageID == "" {
		return &ConfigurationError{Field: "sui.package_id (SUI_PACKAGE_ID)"}
	}
	if c.Indexer.BatchSize > MaxBatchSize {
		return &ConfigurationError{Field: "indexer.batch_size", Reason: fmt.Sprintf("must be at most %d", MaxBatchSize)}
	}
	return nil
}
