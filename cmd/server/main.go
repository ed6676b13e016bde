package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"roomchat/internal/api"
	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/protection"
	"roomchat/internal/repository"
	"roomchat/internal/routing"
	"roomchat/internal/tasks"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("store", cfg.StoreBackend).
		Msg("starting roomchat")

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	registry := routing.NewRegistry(registryConfig(cfg), store, clockwork.NewRealClock(), logger)

	scheduler := tasks.NewScheduler(registry, logger)
	if err := scheduler.Start(cfg.AlarmSweepSpec); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(logger, registry, store),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Order matters inside "server": stop accepting, flush rooms, then
	// release the store they flush into.
	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("http shutdown: %w", err))
				}
				if err := registry.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
				}
				if err := store.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close store: %w", err))
				}
				return errors.Join(errs...)
			},
			"scheduler": scheduler.Stop,
		},
	)

	exitCode := <-wait
	logger.Info().Int("exit_code", exitCode).Msg("shutdown complete")
	os.Exit(exitCode)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.Store, error) {
	var (
		store repository.Store
		err   error
	)
	switch cfg.StoreBackend {
	case config.BackendRedis:
		store, err = repository.NewRedisStore(ctx, cfg.RedisURL)
	case config.BackendPostgres:
		logger.Info().Str("database", cfg.MaskedDatabaseURL()).Msg("connecting to postgres")
		pool, perr := db.Connect(ctx, cfg.DatabaseURL, logger)
		if perr != nil {
			return nil, perr
		}
		store, err = repository.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
		}
	default:
		store = repository.NewMemoryStore()
	}
	if err != nil {
		return nil, err
	}
	return repository.Instrument(store), nil
}

func registryConfig(cfg *config.Config) routing.Config {
	breaker := protection.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerRecovery,
	}

	router := protection.DefaultConfig("router")
	router.RateLimit.RequestsPerWindow = cfg.RouterRateLimit
	router.Breaker = breaker
	router.MaxConnections = cfg.MaxConnections

	room := chat.DefaultConfig()
	room.MaxCapacity = cfg.RoomMaxCapacity
	room.HibernateAfter = cfg.HibernateAfter
	room.AlarmInterval = cfg.AlarmInterval
	room.MessageRateLimit.RequestsPerWindow = cfg.MessageRateLimit
	room.Protection.RateLimit.RequestsPerWindow = cfg.RoomRateLimit
	room.Protection.Breaker = breaker
	room.Protection.MaxConnections = cfg.MaxConnections

	return routing.Config{
		Shards:     cfg.RegistryShards,
		Protection: router,
		Room:       room,
	}
}
