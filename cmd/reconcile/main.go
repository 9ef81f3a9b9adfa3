// Command reconcile is the composition root for the trading state
// reconciliation engine: it wires the session transport, the order and
// position streams, the ledger, and the reconciliation engine together and
// runs until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"okx-reconcile-engine/config"
	"okx-reconcile-engine/internal/dedup"
	"okx-reconcile-engine/internal/events"
	"okx-reconcile-engine/internal/exchange"
	"okx-reconcile-engine/internal/ledger"
	"okx-reconcile-engine/internal/logging"
	"okx-reconcile-engine/internal/metrics"
	"okx-reconcile-engine/internal/reconcile"
	"okx-reconcile-engine/internal/store"
	"okx-reconcile-engine/internal/streams"
	"okx-reconcile-engine/internal/transport"
	"okx-reconcile-engine/internal/vault"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
	}))
	zlog := newZerolog(cfg.Logging)

	eventBus := events.NewBus()

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promReg)
	metricsRegistry.Subscribe(eventBus)
	go serveMetrics(promReg, zlog)

	var (
		orderStore    store.OrderStore
		positionStore store.PositionStore
		tradeStore    store.TradeStore
		journalStore  store.JournalStore
	)
	if cfg.Postgres.Database != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgres(ctx, cfg.Postgres)
		cancel()
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		if err := pg.RunMigrations(context.Background()); err != nil {
			zlog.Fatal().Err(err).Msg("failed to run migrations")
		}
		defer pg.Close()
		orderStore, positionStore, tradeStore, journalStore = pg.Orders(), pg.Positions(), pg.Trades(), pg.Journal()
		zlog.Info().Msg("connected to postgres persistence")
	} else {
		orderStore = store.NewMemoryOrderStore()
		positionStore = store.NewMemoryPositionStore()
		tradeStore = store.NewMemoryTradeStore()
		journalStore = store.NewMemoryJournalStore()
		zlog.Warn().Msg("no postgres database configured, running with in-memory persistence")
	}

	vaultClient, err := vault.NewClient(cfg.Vault)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize vault client")
	}
	cred, err := vaultClient.GetCredential(context.Background(), cfg.Transport.Account, cfg.Transport.Sandbox)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load exchange credential")
	}

	dedupRegistry := newDedupRegistry(cfg, zlog)
	defer dedupRegistry.Close()

	restClient := exchange.NewRESTClient(exchangeBaseURL(cfg.Transport.Sandbox), exchange.Credential{
		APIKey: cred.APIKey, Secret: cred.Secret, Passphrase: cred.Passphrase,
	}, cfg.Exchange.RequestTimeout, zlog)
	rateLimited := exchange.NewRateLimitedClient(restClient, cfg.Exchange.RateLimit, cfg.Exchange.RateWindow, cfg.Exchange.MinInterval)
	exchangeClient := exchange.NewBreakerClient(rateLimited, "okx", cfg.Exchange.RequestTimeout, cfg.Exchange.MaxRetries)

	cloidSeq := newCloidSequence(cfg)

	tradeLedger := ledger.New(tradeStore, journalStore, exchangeClient, cloidSeq, eventBus, zlog)
	engine := reconcile.New(tradeLedger, zlog)

	orderStream := streams.NewOrderStream(cfg.Transport.OrderQueueSize, 4, dedupRegistry, orderStore, engine, eventBus, zlog)
	positionStream := streams.NewPositionStream(cfg.Transport.PositionQueueSize, dedupRegistry, positionStore, engine, eventBus, zlog)
	orderStream.Start()
	positionStream.Start()
	defer orderStream.Stop()
	defer positionStream.Stop()

	session := transport.New(cfg.Transport, transport.StaticCredential{
		APIKey: cred.APIKey, Secret: cred.Secret, Passphrase: cred.Passphrase,
	}, []string{"orders", "positions"}, zlog)

	session.OnFrame(func(frame transport.Frame) {
		ctx := context.Background()
		switch f := frame.(type) {
		case transport.OrderFrame:
			orderStream.HandleFrame(ctx, f)
		case transport.PositionFrame:
			positionStream.HandleFrame(ctx, f)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := session.Start(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("failed to start session transport")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zlog.Info().Msg("shutting down")
	cancel()
	session.Stop()
}

func newZerolog(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return log.Logger.Level(level).With().Timestamp().Str("component", "main").Logger()
}

func newDedupRegistry(cfg *config.Config, zlog zerolog.Logger) dedup.Registry {
	dedupCfg := dedup.Config{
		InflightTTL:     cfg.Dedup.InflightTTL,
		ProcessedTTLOrd: cfg.Dedup.ProcessedTTLOrd,
		ProcessedTTLPos: cfg.Dedup.ProcessedTTLPos,
		SweepInterval:   cfg.Dedup.SweepInterval,
	}
	if !cfg.Dedup.UseRedis {
		return dedup.NewMemoryRegistry(dedupCfg)
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	reg, err := dedup.New(dedupCfg, true, redisClient)
	if err != nil {
		zlog.Warn().Err(err).Msg("redis dedup registry unavailable, falling back to in-memory")
		return dedup.NewMemoryRegistry(dedupCfg)
	}
	return reg
}

// newCloidSequence builds the Redis-backed per-second sequence provider
// GenerateCLOID prefers (§12). Returns nil when Redis isn't configured,
// which leaves cloid generation on its crypto/rand fallback permanently.
func newCloidSequence(cfg *config.Config) ledger.SequenceProvider {
	if !cfg.Redis.Enabled {
		return nil
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	return ledger.NewRedisSequenceProvider(redisClient)
}

func exchangeBaseURL(sandbox bool) string {
	if sandbox {
		return "https://www.okx.com" // sandbox trades flagged via header, not host, on OKX
	}
	return "https://www.okx.com"
}

func serveMetrics(reg *prometheus.Registry, zlog zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := ":9090"
	zlog.Info().Str("addr", addr).Msg("serving prometheus metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		zlog.Error().Err(err).Msg("metrics server stopped")
	}
}
