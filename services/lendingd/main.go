package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"senja/core/events"
	nativecommon "senja/native/common"
	"senja/native/lending"
	"senja/native/oracle"
	"senja/native/settlement"
	"senja/observability"
	"senja/observability/logging"
	"senja/observability/metrics"
	telemetry "senja/observability/otel"
	"senja/services/lendingd/config"
	"senja/services/lendingd/keeper"
	"senja/services/lendingd/server"
	"senja/services/lendingd/storage"
	kvstore "senja/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("SENJA_ENV"))
	logger := logging.Setup("lendingd", env,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   true,
		}),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	db, err := kvstore.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("open state db: %v", err)
	}
	defer db.Close()

	journal, err := openJournal(cfg)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	journal.SetLogger(logger)

	pools, err := lending.LoadCatalogue(cfg.PoolsFile)
	if err != nil {
		log.Fatalf("load pools: %v", err)
	}

	feeds, err := buildFeeds(cfg.Feeds)
	if err != nil {
		log.Fatalf("configure feeds: %v", err)
	}
	prices, err := oracle.NewManager(feeds, poolAssets(pools), cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger),
		oracle.WithRecorder(journal),
		oracle.WithFailureObserver(metrics.Lending().ObserveOracleFailure),
	)
	if err != nil {
		log.Fatalf("configure oracle: %v", err)
	}

	pauseKeys := make([]string, 0, len(cfg.Paused))
	for _, action := range cfg.Paused {
		pauseKeys = append(pauseKeys, "lending."+action)
	}
	pauses := nativecommon.NewPauses(pauseKeys...)

	engine := lending.NewEngine(db, prices)
	engine.SetLogger(logger)
	engine.SetPauses(pauses)
	engine.SetEmitter(events.MultiEmitter{journal, observability.Events()})
	for _, params := range pools {
		if err := engine.RegisterPool(params); err != nil {
			log.Fatalf("register pool %s: %v", params.ID, err)
		}
		logger.Info("pool registered", slog.String("pool", params.ID.String()))
	}

	tlsConfig, err := listenerTLS(cfg, env)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	secret, err := cfg.Auth.SecretBytes()
	if err != nil {
		log.Fatalf("auth secret: %v", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLS:           tlsConfig,
		Auth: server.AuthConfig{
			HMACSecret: secret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{PerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
	}, engine, journal, pauses, logger)
	if err != nil {
		log.Fatalf("configure server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := prices.Tick(ctx); err != nil {
		logger.Warn("initial price refresh incomplete", slog.Any("error", err))
	}

	loops := map[string]func(context.Context) error{
		"oracle": prices.Run,
		"http":   srv.Run,
	}

	if cfg.Settlement.Enabled {
		relayers, err := cfg.Settlement.RelayerAddresses()
		if err != nil {
			log.Fatalf("settlement relayers: %v", err)
		}
		engine.SetSettlement(settlement.NewVerifier(cfg.Settlement.ChainID, relayers...), cfg.Settlement.IntentTTL.Duration)
		relay, err := keeper.NewRelay(engine, buildTransport(cfg.Settlement, logger), cfg.Settlement.DispatchInterval.Duration, logger)
		if err != nil {
			log.Fatalf("configure relay: %v", err)
		}
		loops["relay"] = relay.Run
	}

	if cfg.Keeper.Enabled {
		liquidator, err := cfg.Keeper.LiquidatorAddress()
		if err != nil {
			log.Fatalf("keeper liquidator: %v", err)
		}
		k, err := keeper.New(engine, liquidator, cfg.Keeper.Interval.Duration, logger)
		if err != nil {
			log.Fatalf("configure keeper: %v", err)
		}
		loops["keeper"] = k.Run
	}

	if err := run(ctx, loops, logger); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
	logger.Info("lendingd stopped")
}

// run starts every loop under one errgroup. The first loop to fail cancels
// the rest.
func run(ctx context.Context, loops map[string]func(context.Context) error, logger *slog.Logger) error {
	group, ctx := errgroup.WithContext(ctx)
	for name, loop := range loops {
		group.Go(func() error {
			if err := loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
	}()
	return group.Wait()
}

// listenerTLS loads the HTTPS material. Plaintext is restricted to loopback
// listeners or the dev environment.
func listenerTLS(cfg config.Config, env string) (*tls.Config, error) {
	if cfg.TLS.Enabled() {
		return server.LoadTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath, cfg.TLS.ClientCAPath)
	}
	if !cfg.TLS.AllowInsecure {
		return nil, fmt.Errorf("tls credentials are required")
	}
	if !strings.EqualFold(env, "dev") && !server.IsLoopback(cfg.ListenAddress) {
		return nil, fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
	}
	return nil, nil
}

func openJournal(cfg config.Config) (*storage.Journal, error) {
	dsn := cfg.Journal.DSN
	if cfg.Journal.Driver == "sqlite" && strings.TrimSpace(dsn) == "" {
		var err error
		dsn, err = storage.FileDSN(filepath.Join(cfg.DataDir, "journal.db"))
		if err != nil {
			return nil, err
		}
	}
	return storage.Open(cfg.Journal.Driver, dsn)
}

func buildFeeds(entries []config.Feed) ([]oracle.Feed, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	feeds := make([]oracle.Feed, 0, len(entries))
	for _, entry := range entries {
		switch entry.Type {
		case "static":
			static := oracle.NewStatic(0)
			for asset, whole := range entry.Prices {
				static.SetPrice(asset, whole)
			}
			feeds = append(feeds, fixedFeed{Static: static, name: entry.Name})
		case "http":
			feeds = append(feeds, oracle.NewHTTPFeed(client, entry.Name, entry.Endpoint, entry.APIKey, entry.Assets))
			slog.Info("price feed configured",
				slog.String("feed", entry.Name),
				slog.String("endpoint", entry.Endpoint),
				logging.MaskField("api_key", entry.APIKey))
		default:
			return nil, fmt.Errorf("feed %s: unsupported type %q", entry.Name, entry.Type)
		}
	}
	return feeds, nil
}

// fixedFeed serves configured prices under the feed's own name. Answers are
// stamped at read time so the aggregator never treats them as stale.
type fixedFeed struct {
	*oracle.Static
	name string
}

func (f fixedFeed) Name() string { return f.name }

func (f fixedFeed) LatestPrice(ctx context.Context, asset string) (oracle.Answer, error) {
	answer, err := f.Static.LatestPrice(ctx, asset)
	if err != nil {
		return oracle.Answer{}, err
	}
	answer.UpdatedAt = time.Now()
	return answer, nil
}

func buildTransport(cfg config.SettlementConfig, logger *slog.Logger) settlement.Transport {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		logger.Warn("settlement endpoint not configured; intents are only logged")
		return settlement.LogTransport{Logger: logger}
	}
	logger.Info("settlement transport configured",
		slog.String("endpoint", cfg.Endpoint),
		logging.MaskField("bearer", cfg.Bearer))
	return settlement.NewHTTPTransport(&http.Client{Timeout: 10 * time.Second}, cfg.Endpoint, cfg.Bearer)
}

func poolAssets(pools []lending.PoolParams) []string {
	seen := make(map[string]struct{})
	for _, params := range pools {
		seen[params.CollateralToken] = struct{}{}
		seen[params.BorrowToken] = struct{}{}
	}
	assets := make([]string, 0, len(seen))
	for asset := range seen {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}
