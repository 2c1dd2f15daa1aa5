package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/api"
	"educhain-indexer/internal/config"
	"educhain-indexer/internal/indexer"
	natspub "educhain-indexer/internal/nats"
	"educhain-indexer/internal/processor"
	"educhain-indexer/internal/store"
	"educhain-indexer/internal/store/memory"
	"educhain-indexer/internal/store/postgres"
	"educhain-indexer/internal/store/sqlstore"
	"educhain-indexer/internal/sui"
)

const defaultConfigPath = "config.yaml"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	if len(os.Args) > 1 && os.Args[1] == "query-events" {
		if err := runQueryEvents(os.Args[2:], logger); err != nil {
			logger.Fatalf("query-events: %v", err)
		}
		return
	}

	// Load configuration
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	} else if _, err := os.Stat(defaultConfigPath); err == nil {
		configPath = defaultConfigPath
	}

	if err := run(configPath, logger); err != nil {
		logger.Fatalf("Service error: %v", err)
	}
	logger.Info("Educhain indexer service stopped")
}

// run starts the configured components and blocks until a shutdown signal or the first
// component failure. Everything opened here is closed before it returns.
func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogger(logger, cfg.Logging)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Infof("Starting educhain indexer service (mode: %s, env: %s)", cfg.Mode, cfg.Env)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	st, err := openStore(ctx, cfg.Store.URL, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.RunsIndexer() {
		ix, cleanup, err := buildIndexer(cfg, st, registry, logger)
		if err != nil {
			return fmt.Errorf("failed to create indexer: %w", err)
		}
		defer cleanup()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ix.Run(ctx); err != nil {
				errChan <- fmt.Errorf("indexer: %w", err)
			}
		}()
	}

	if cfg.RunsAPI() {
		server := api.NewServer(st, cfg.Env, registry, registry, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
				errChan <- fmt.Errorf("query API: %w", err)
			}
		}()
	}

	// Wait for signal or error
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down...")
	case runErr = <-errChan:
		logger.Errorf("Component failed, shutting down: %v", runErr)
		cancel()
	}

	wg.Wait()
	return runErr
}

// buildIndexer wires the source client, optional NATS fan-out and transformer, and the
// persister into an Indexer. Configuration errors are returned before anything runs.
func buildIndexer(cfg *config.Config, st store.Store, reg prometheus.Registerer, logger *logrus.Logger) (*indexer.Indexer, func(), error) {
	filter, err := sui.BuildFilter(cfg.Indexer)
	if err != nil {
		return nil, nil, err
	}
	rpcURL, err := sui.ResolveRPCURL(cfg.Sui.Network, cfg.Sui.RPCURL)
	if err != nil {
		return nil, nil, err
	}
	if err := processor.ValidateRules(&cfg.Processor); err != nil {
		return nil, nil, &config.ConfigurationError{Field: "processor", Reason: err.Error()}
	}

	logger.WithFields(logrus.Fields{
		"network":     cfg.Sui.Network,
		"rpc_url":     rpcURL,
		"package_id":  cfg.Sui.PackageID,
		"filter_mode": cfg.Indexer.FilterMode,
	}).Info("Configuring indexer")

	client := sui.NewClient(rpcURL, cfg.Sui.RequestTimeout, logger)
	closers := []func(){client.Close}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// Keep the interfaces nil unless configured; a typed nil would be called
	var sink indexer.EventSink
	var scriptPublisher processor.SubjectPublisher
	if cfg.NATS.URL != "" {
		publisher, err := natspub.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, publisher.Close)
		sink = publisher
		scriptPublisher = publisher
	}

	var transform indexer.Transform
	if cfg.Processor.Enabled {
		transformer, err := processor.NewTransformer(&cfg.Processor, logger, scriptPublisher)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		transform = transformer
	}

	persister := indexer.NewPersister(st, transform, sink, logger)
	ix := indexer.New(client, st, persister, filter, indexer.Options{
		BatchSize:    cfg.Indexer.BatchSize,
		PollInterval: cfg.Indexer.PollInterval,
		MaxBackoff:   cfg.Indexer.MaxBackoff,
		Metrics:      indexer.NewMetrics(reg),
	}, logger)
	return ix, cleanup, nil
}

// openStore picks the backend from the URL scheme
func openStore(ctx context.Context, url string, logger *logrus.Logger) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(ctx, url, logger)
	case sqlstore.Supports(url):
		return sqlstore.Open(ctx, url, logger)
	case url == "memory://":
		logger.Warn("Using in-memory store; indexed events and cursor are lost on restart")
		return memory.New(), nil
	default:
		return nil, &config.ConfigurationError{Field: "store.url", Reason: "unsupported scheme (want postgres://, mysql://, sqlite:// or memory://)"}
	}
}

func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using %s", cfg.Level, logger.GetLevel())
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// runQueryEvents prints the newest events of one type straight from the chain:
// query-events <eventType> [limit]
func runQueryEvents(args []string, logger *logrus.Logger) error {
	if len(args) < 1 || args[0] == "" {
		return fmt.Errorf("usage: query-events <eventType> [limit]")
	}
	limit := 1
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}

	network := os.Getenv("SUI_NETWORK")
	if network == "" {
		network = config.DefaultNetwork
	}
	if !config.KnownNetwork(network) {
		return &config.ConfigurationError{Field: "SUI_NETWORK", Reason: fmt.Sprintf("unknown network %q", network)}
	}
	url, err := sui.ResolveRPCURL(network, os.Getenv("SUI_RPC_URL"))
	if err != nil {
		return err
	}

	client := sui.NewClient(url, config.DefaultRequestTimeout, logger)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	page, err := client.QueryEvents(ctx, sui.EventTypeFilter{Type: args[0]}, nil, limit, true)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(page)
}
