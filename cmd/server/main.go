package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	// driver availability: Redis when configured so the heartbeat consumer
	// shares state with the API, in-process otherwise
	var (
		driverStore availability.Store
		index       geo.Index
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		driverStore = availability.NewRedisStore(rc, "")
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("driver state in redis", "addr", cfg.RedisAddr)
	} else {
		driverStore = availability.NewMemoryStore()
		index = geo.NewGridIndex(cfg.GeoCellDegrees)
		logger.Info("driver state in memory", "cell_degrees", cfg.GeoCellDegrees)
	}
	registry := availability.NewRegistry(driverStore, index, cfg.DriverStaleAfter, logger)

	var rideStore storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			version, err := ps.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("schema migrated", "version", version)
		}
		rideStore = ps
	}

	hub := notify.NewWSHub()
	publishers := notify.Multi{notify.LogPublisher{Logger: logger}, hub}
	var heartbeats httpapi.HeartbeatPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventPrefix)
		closers = append(closers, events.Close)
		publishers = append(publishers, events)
	}
	if cfg.HeartbeatsOverBus() {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaHeartbeatTopic)
		closers = append(closers, producer.Close)
		heartbeats = producer
	} else if len(cfg.KafkaBrokers) > 0 {
		logger.Info("heartbeats applied in process, REDIS_ADDR not set")
	}
	if cfg.WebhookURL != "" {
		publishers = append(publishers, notify.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookKey))
	}
	notifier := notify.New(publishers, cfg.NotifyQueueSize, cfg.NotifyWorkers, logger)

	svc := rides.NewService(rideStore, registry, notifier, logger, rides.WithFares(fareTable(cfg)))
	coord := dispatch.NewCoordinator(registry, svc, dispatchPolicy(cfg), logger)
	sweeper := dispatch.NewSweeper(svc, cfg.PendingRideTimeout, cfg.SweepInterval, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Rides:      svc,
		Dispatcher: coord,
		Drivers:    registry,
		Auth:       auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer, 0),
		Heartbeats: heartbeats,
		Hub:        hub,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// the outbox outlives the listener so events from draining requests
	// are still published
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer stopNotify()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(notifyCtx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		defer stopNotify()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func dispatchPolicy(cfg config.ServerConfig) dispatch.Policy {
	return dispatch.Policy{
		RadiusM:     cfg.DispatchRadiusM,
		RadiusStepM: cfg.DispatchRadiusStepM,
		MaxRadiusM:  cfg.DispatchMaxRadiusM,
		Candidates:  cfg.DispatchCandidates,
		Attempts:    cfg.DispatchAttempts,
		Delay:       cfg.DispatchRetryDelay,
		MaxDelay:    cfg.DispatchMaxDelay,
	}
}

func fareTable(cfg config.ServerConfig) rides.FareTable {
	t := rides.FareTable{Currency: cfg.FareCurrency, Tariffs: make(map[models.VehicleClass]rides.Tariff, len(cfg.Tariffs))}
	for class, tariff := range cfg.Tariffs {
		t.Tariffs[class] = rides.Tariff{Base: tariff.Base, PerKm: tariff.PerKm, Minimum: tariff.Minimum}
	}
	return t
}
