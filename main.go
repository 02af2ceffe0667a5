package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/dispatchd/internal/audit"
	"github.com/adred-codev/dispatchd/internal/auth"
	"github.com/adred-codev/dispatchd/internal/billing"
	"github.com/adred-codev/dispatchd/internal/cache"
	"github.com/adred-codev/dispatchd/internal/dispatch"
	"github.com/adred-codev/dispatchd/internal/eventbus"
	"github.com/adred-codev/dispatchd/internal/hub"
	"github.com/adred-codev/dispatchd/internal/httpapi"
	"github.com/adred-codev/dispatchd/internal/limits"
	"github.com/adred-codev/dispatchd/internal/metrics"
	"github.com/adred-codev/dispatchd/internal/rates"
	"github.com/adred-codev/dispatchd/internal/store"
	"github.com/adred-codev/dispatchd/internal/subhub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("automaxprocs applied")

	cfg, err := LoadConfig(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := newLogger(cfg)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	cc := cache.NewCoordinated(cfg.RedisURL, "", cfg.RedisDB, logger)
	cc.StartCleanup(ctx, 30*time.Second)

	bus, err := eventbus.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect eventbus")
	}
	defer bus.Close()

	resolver := rates.New(st)
	auditLog := audit.New(logger, audit.NoopAlerter{})
	authMgr := auth.NewManager(cfg.JWTSecret, cfg.JWTTTL)

	billingPipeline := billing.New(st, resolver, bus, auditLog)

	connGuard := limits.NewConnGuard(cfg.MaxConnections)
	workerLimiter := limits.NewClientLimiter(cfg.WorkerMessageRate, cfg.WorkerMessageBurst)
	observerLimiter := limits.NewClientLimiter(cfg.ObserverMessageRate, cfg.ObserverMessageBurst)
	workerHub := hub.New(logger, cc, billingPipeline, connGuard, bus, workerLimiter)

	taskLookup := &taskOwnerLookup{store: st}
	observerHub := subhub.New(logger, bus, taskLookup, st, observerLimiter)

	dispatcher := dispatch.New(logger, st, cc, bus, workerHub, resolver, dispatch.Config{
		DefaultShardSize: cfg.DefaultShardSize,
		PoolWorkers:      cfg.PoolWorkers,
		PoolQueueSize:    cfg.PoolQueueSize,
		StaleThreshold:   cfg.StaleThreshold,
		ReclaimInterval:  cfg.ReclaimInterval,
	})
	dispatcher.Start(ctx)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	collector.StartResourceSampler(ctx, cfg.MetricsInterval)

	api := httpapi.New(logger, st, dispatcher, resolver, bus, authMgr, auditLog, workerHub, observerHub)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WS handlers manage their own deadlines
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("dispatchd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	cancel()
}

func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var base zerolog.Logger
	if cfg.LogFormat == "pretty" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stdout)
	}
	return base.With().Timestamp().Str("service", "dispatchd").Logger()
}

// taskOwnerLookup adapts the store to subhub.TaskLookup without
// exposing the whole store interface to that package.
type taskOwnerLookup struct {
	store *store.Store
}

func (t *taskOwnerLookup) OwnerOf(ctx context.Context, taskID string) (string, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.OwnerID, nil
}
