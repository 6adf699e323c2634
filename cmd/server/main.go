package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/warlog-ledger/internal/config"
	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/handler"
	"github.com/warlog-ledger/internal/kafka"
	"github.com/warlog-ledger/internal/logging"
	"github.com/warlog-ledger/internal/memstore"
	"github.com/warlog-ledger/internal/postgres"
	"github.com/warlog-ledger/internal/redis"
	"github.com/warlog-ledger/internal/service"
	"github.com/warlog-ledger/internal/storage"
	"github.com/warlog-ledger/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// A missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	// Load configuration
	cfg, loadErr := config.Load(*configPath)
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if loadErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", loadErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Redis is optional; the snapshot leaderboards fall back to the store
	var cache service.Cache
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		snapshotCache, err := redis.NewSnapshotCache(ctx, &cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer snapshotCache.Close()
		cache = snapshotCache
		logger.Info("connected to Redis")
	}

	svc, err := service.Build(store, cache, domain.SystemClock{}, cfg, logger)
	if err != nil {
		return err
	}

	correlation := worker.New("correlation", cfg.Ledger.CorrelationInterval, func(ctx context.Context) error {
		_, err := svc.RunCorrelation(ctx)
		return err
	}, logger)
	freeze := worker.New("freeze", cfg.Ledger.FreezeInterval, func(ctx context.Context) error {
		_, err := svc.FreezeEnded(ctx)
		return err
	}, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.NewHandler(svc, logger).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range []*worker.Worker{correlation, freeze} {
		w := w
		g.Go(func() error {
			w.Start(gctx)
			<-w.Done()
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		consumer, err := kafka.NewConsumer(&cfg.Kafka, svc.Tracker(), logger.With("component", "kafka"))
		if err != nil {
			return fmt.Errorf("creating Kafka consumer: %w", err)
		}
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				consumer.Stop()
				return fmt.Errorf("starting Kafka consumer: %w", err)
			}
			<-gctx.Done()
			return consumer.Stop()
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down HTTP server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore connects the configured storage backend
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage; data is lost on restart")
		return memstore.New(), nil
	}

	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	if cfg.Postgres.Migrate {
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return repo, nil
}
