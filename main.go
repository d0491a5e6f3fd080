package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ms-reservation/internal/api"
	"ms-reservation/internal/availability"
	"ms-reservation/internal/catalog"
	"ms-reservation/internal/config"
	"ms-reservation/internal/database"
	"ms-reservation/internal/database/migrations"
	"ms-reservation/internal/events"
	"ms-reservation/internal/kafka"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/observability"
	"ms-reservation/internal/payment"
	"ms-reservation/internal/reclaimer"
	"ms-reservation/internal/reservation"
	"ms-reservation/internal/reservation/db"
	rediswrap "ms-reservation/internal/reservation/redis"
	"ms-reservation/internal/utils"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const topicPartitions = 3

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*db.DB, error) {
	if cfg.Database.Driver == "sqlite" {
		log.Warn("DATABASE", fmt.Sprintf("Using SQLite store at %s, row locks are not available", cfg.Database.SQLiteDSN))
		return db.OpenSQLite(ctx, cfg.Database.SQLiteDSN)
	}

	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, cfg, log); err != nil {
			return nil, err
		}
	}

	bunDB, err := database.OpenPostgres(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return &db.DB{Bun: bunDB}, nil
}

// migrate runs pending migrations on a pool of its own; the migrator closes it.
func migrate(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	sqldb, err := database.OpenSQL(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	runner := migrations.NewRunner(sqldb, migrations.Options{
		MigrationsDir: cfg.Database.MigrationsDir,
		AutoMigrate:   true,
	}, log)
	defer func() {
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATE", fmt.Sprintf("close: %v", err))
		}
	}()
	return runner.MigrateUp()
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Options{
		Dir:    cfg.Log.Dir,
		Prefix: "reservation",
		Level:  logger.ParseLevel(cfg.Log.Level),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracingSDK(ctx, cfg.Telemetry.OtelEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatal("OTEL", fmt.Sprintf("Failed to set up tracing: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("OTEL", fmt.Sprintf("Tracer shutdown: %v", err))
		}
	}()

	// --- Storage ---
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open store: %v", err))
	}
	defer store.Bun.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = database.ConnectRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
		}
		defer redisClient.Close()
	}

	clock := utils.SystemClock()
	bus := events.NewBus(log)

	// --- Availability ---
	var cache availability.Cache
	if cfg.Availability.Cache == "redis" {
		cache = availability.NewRedisCache(redisClient)
	} else {
		cache = availability.NewMemoryCache(clock)
	}
	aggregator := availability.NewAggregator(store, cache, cfg.Availability.CacheTTL, clock, log)
	bus.Subscribe(events.TopicUnitStateChanged, "availability", aggregator.HandleUnitStateChanged)
	log.Info("CACHE", fmt.Sprintf("Availability cache: %s, TTL %s", cfg.Availability.Cache, cfg.Availability.CacheTTL))

	// --- Kafka ---
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.UnitEvents, cfg.Kafka.Topics.PaymentResults}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, topicPartitions, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		bus.Subscribe(events.TopicUnitStateChanged, "kafka", events.Forwarder(producer, cfg.Kafka.Topics.UnitEvents, cfg.Kafka.PublishTimeout))
		log.Info("KAFKA", "Kafka producer initialized successfully")
	}

	// --- Reservation ---
	var eventCatalog reservation.EventCatalog
	if cfg.Catalog.EventServiceURL != "" {
		httpCatalog := catalog.NewHTTPCatalog(cfg.Catalog.EventServiceURL, cfg.Catalog.Timeout, log)
		if cfg.Catalog.KeycloakURL != "" && cfg.Catalog.ClientID != "" {
			var tokenStore catalog.TokenStore
			if redisClient != nil {
				tokenStore = catalog.NewRedisTokenStore(redisClient)
			}
			httpCatalog.WithTokens(catalog.NewTokenSource(catalog.ClientCredentials{
				KeycloakURL:   cfg.Catalog.KeycloakURL,
				KeycloakRealm: cfg.Catalog.KeycloakRealm,
				ClientID:      cfg.Catalog.ClientID,
				ClientSecret:  cfg.Catalog.ClientSecret,
			}, nil, tokenStore, clock, log))
			log.Info("AUTH", "Event service calls use M2M client credentials")
		}
		eventCatalog = httpCatalog
	} else {
		log.Warn("CONFIG", "EVENT_SERVICE_URL not set, unit loads are not checked against the event catalog")
	}

	strategy, err := reservation.NewStrategy(cfg.Reservation.LockStrategy, store)
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	if strategy.Name() != reservation.StrategyOptimistic && !store.SupportsRowLocks() {
		log.Warn("DATABASE", fmt.Sprintf("%s strategy without row locks relies on the single SQLite writer", strategy.Name()))
	}

	service := reservation.NewService(store, strategy, bus, eventCatalog, reservation.Options{
		HoldDuration: cfg.Reservation.HoldDuration,
		MaxRetries:   cfg.Reservation.MaxRetries,
		Clock:        clock,
		Logger:       log,
	})
	log.Info("APP", fmt.Sprintf("Lock strategy %s, hold duration %s", strategy.Name(), cfg.Reservation.HoldDuration))

	reclaim := reclaimer.New(store, service, clock, log, cfg.Reclaimer.Interval, cfg.Reclaimer.BatchSize)

	var timer *rediswrap.HoldTimer
	if cfg.Reclaimer.RedisTimers && redisClient != nil {
		timer = rediswrap.NewHoldTimer(redisClient, reclaim, clock, cfg.Reclaimer.TimerGrace, log)
		timer.EnableNotifications(ctx)
		bus.Subscribe(events.TopicUnitStateChanged, "hold-timer", timer.HandleUnitStateChanged)
	}

	// --- HTTP ---
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(api.NewHandler(service, aggregator, log)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("🚀 Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reclaim.Run(gctx)
	})
	if timer != nil {
		g.Go(func() error {
			return timer.Listen(gctx)
		})
	}

	if cfg.Kafka.Enabled {
		payments := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentResults, cfg.Kafka.GroupID, log)
		defer payments.Close()
		listener := payment.NewListener(service, log)
		g.Go(func() error {
			return payments.Start(gctx, listener.HandleMessage)
		})

		// Every instance needs every unit event to keep its in-process cache
		// coherent, hence a group per instance.
		if cfg.Availability.Cache == "memory" {
			groupID := fmt.Sprintf("%s-cache-%s", cfg.Kafka.GroupID, cfg.Kafka.Instance)
			invalidations := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.UnitEvents, groupID, log)
			defer invalidations.Close()
			g.Go(func() error {
				return invalidations.Start(gctx, aggregator.HandleRemoteUnitEvent)
			})
		}
	}

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Service stopped with error: %v", err))
	}

	log.Info("APP", "✅ Reservation Service shutdown complete")
}
