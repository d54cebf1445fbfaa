package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/collatix/creditcore/internal/authz"
	"github.com/collatix/creditcore/internal/config"
	"github.com/collatix/creditcore/internal/engine"
	"github.com/collatix/creditcore/internal/handlers"
	"github.com/collatix/creditcore/internal/ledger"
	"github.com/collatix/creditcore/internal/oracle"
	"github.com/collatix/creditcore/internal/storage"
	"github.com/collatix/creditcore/libs/health"
	"github.com/collatix/creditcore/libs/httpmiddleware"
	"github.com/collatix/creditcore/libs/kafka"
	"github.com/collatix/creditcore/libs/logging"
	"github.com/collatix/creditcore/libs/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ledgerMetrics := ledger.NewMetrics(registry)
	engineMetrics := engine.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)
	if err := store.Migrate(context.Background()); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	ledgerParams := ledger.NewParamStore(defaultLedgerParams(cfg))
	engineParams := engine.NewParamStore(defaultEngineParams(cfg))
	verifier := authz.NewVerifier(cfg.Engine.AuthDomain)

	feed := oracle.NewFeed()
	priceSource := oracle.NewCache(feed, redisClient, func() time.Duration {
		return engineParams.EngineParams().MaxPriceAge
	}, logger)

	led := ledger.New(ledgerParams, verifier, logger, ledgerMetrics)
	eng := engine.New(cfg.Engine.Account, engineParams, led, priceSource, verifier, logger, engineMetrics)

	snap, err := store.Load(context.Background())
	if err != nil {
		logger.Error("snapshot load failed", "error", err)
		os.Exit(1)
	}
	led.ImportState(snap.Ledger)
	eng.ImportState(snap.Engine)
	if len(snap.Pairs) > 0 {
		p := engineParams.EngineParams()
		p.Pairs = snap.Pairs
		engineParams.Update(p)
	}
	logger.Info("state restored",
		"balances", len(snap.Ledger.Balances),
		"reservations", len(snap.Ledger.Reservations),
		"instruments", len(snap.Engine.Instruments),
		"pairs", len(snap.Pairs))

	var producer *kafka.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher := kafka.Publisher(producer)
		if strings.TrimSpace(cfg.Kafka.DeadLetterTopic) != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DeadLetterTopic, logger)
		}
		eng.SetPublisher(publisher, cfg.Kafka.Topic)
	}

	httpServer := buildHTTPServer(cfg, led, eng, ledgerParams, engineParams, verifier, ready, registry, logger)

	snapshotCtx, snapshotCancel := context.WithCancel(context.Background())
	snapshotDone := make(chan struct{})
	go snapshotLoop(snapshotCtx, snapshotDone, store, led, eng, engineParams, cfg.Engine.SnapshotInterval, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("creditd http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)

	snapshotCancel()
	<-snapshotDone

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.SaveSnapshot(ctx, &storage.Snapshot{
		Ledger: led.ExportState(),
		Engine: eng.ExportState(),
		Pairs:  engineParams.EngineParams().Pairs,
	}); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// defaultLedgerParams is the governance state a fresh deployment starts
// with. No assets are enabled and no consumers are approved until the
// admin surface configures them; only the engine account is pre-approved
// so instruments work as soon as assets exist.
func defaultLedgerParams(cfg *config.Config) ledger.Params {
	return ledger.Params{
		FeeBps:       0,
		FeeCollector: cfg.Engine.Account,
		Assets:       map[string]ledger.AssetParams{},
		ApprovedConsumers: map[uuid.UUID]bool{
			cfg.Engine.Account: true,
		},
	}
}

func defaultEngineParams(cfg *config.Config) engine.Params {
	return engine.Params{
		MaxDuration:        365 * 24 * time.Hour,
		MaxPriceAge:        5 * time.Minute,
		OracleFeeCollector: cfg.Engine.Account,
		Pairs:              map[engine.PairKey]engine.PairConfig{},
		Limits:             map[string]engine.AssetLimits{},
	}
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, led *ledger.Ledger, eng *engine.Engine,
	ledgerParams *ledger.ParamStore, engineParams *engine.ParamStore, verifier *authz.Verifier,
	ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handlers.New(led, eng, logger).Register(router)
	handlers.NewAdmin(ledgerParams, engineParams, verifier, logger).Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

// snapshotLoop persists ledger and engine state on a fixed cadence. A
// crash loses at most one interval of activity; the final snapshot on
// shutdown closes that window for clean exits.
func snapshotLoop(ctx context.Context, done chan<- struct{}, store *storage.Store,
	led *ledger.Ledger, eng *engine.Engine, engineParams *engine.ParamStore,
	interval time.Duration, logger *slog.Logger) {

	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := store.SaveSnapshot(saveCtx, &storage.Snapshot{
				Ledger: led.ExportState(),
				Engine: eng.ExportState(),
				Pairs:  engineParams.EngineParams().Pairs,
			})
			cancel()
			if err != nil {
				logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
