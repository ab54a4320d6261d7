// Command payments runs the mobile-money payment transaction core: the
// HTTP API, the gateway callback endpoint and the reconciliation worker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harmonymwirigi/patabasefiti-payments/config"
	"github.com/harmonymwirigi/patabasefiti-payments/events"
	"github.com/harmonymwirigi/patabasefiti-payments/gateway"
	"github.com/harmonymwirigi/patabasefiti-payments/idempotency"
	"github.com/harmonymwirigi/patabasefiti-payments/ingest"
	"github.com/harmonymwirigi/patabasefiti-payments/ledger"
	"github.com/harmonymwirigi/patabasefiti-payments/log"
	"github.com/harmonymwirigi/patabasefiti-payments/reconcile"
	"github.com/harmonymwirigi/patabasefiti-payments/server"
	"github.com/harmonymwirigi/patabasefiti-payments/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := ledger.Connect(ctx, ledger.PostgresConfig{DSN: cfg.PostgresDSN})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer func() { _ = store.Close() }()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	guard := idempotency.NewGuard(redisClient, logger)
	locker := idempotency.NewLocker(redisClient, cfg.LockTTL, logger)

	gatewayClient := gateway.NewHTTPClient(gateway.Config{
		BaseURL:            cfg.MpesaBaseURL,
		ConsumerKey:        cfg.MpesaConsumerKey,
		ConsumerSecret:     cfg.MpesaConsumerSecret,
		ShortCode:          cfg.MpesaShortCode,
		Passkey:            cfg.MpesaPasskey,
		CallbackURL:        cfg.MpesaCallbackURL,
		Timeout:            cfg.GatewayTimeout,
		RetryBaseDelay:     cfg.GatewayRetryBaseDelay,
		RetryMaxDelay:      cfg.GatewayRetryMaxDelay,
		MaxAttempts:        cfg.GatewayMaxAttempts,
		BreakerThreshold:   uint32(cfg.GatewayBreakerThreshold),
		BreakerOpenTimeout: cfg.GatewayBreakerOpenTimeout,
	}, logger)

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}

	payments := service.NewPayments(store, gatewayClient, locker, logger)
	pipeline := ingest.NewPipeline(store, guard, locker, publisher, cfg.DedupTTL, logger)

	worker := reconcile.NewWorker(reconcile.WorkerConfig{
		Interval:      cfg.ReconcileInterval,
		StaleAge:      cfg.ReconcileStaleAge,
		ResolutionSLA: cfg.ReconcileResolutionSLA,
		PollCeiling:   cfg.ReconcilePollCeiling,
		BatchSize:     cfg.ReconcileBatchSize,
	}, store, gatewayClient, locker, publisher, logger)

	app := server.NewApp(payments, pipeline, logger)

	return server.NewManager(logger).
		WithHTTPServer(app, cfg.HTTPAddress).
		WithWorker(worker).
		WithPublisher(publisher).
		WithShutdownTimeout(cfg.ShutdownTimeout).
		Run()
}

func newLogger(cfg *config.Config) (log.Logger, error) {
	environment := log.Environment(cfg.Environment)
	if cfg.Environment == "staging" {
		environment = log.EnvironmentProduction
	}

	logger, err := log.NewZap(log.Config{
		Environment: environment,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return logger, nil
}

func newPublisher(cfg *config.Config, logger log.Logger) (events.Publisher, error) {
	if cfg.RabbitURI == "" {
		logger.Log(context.Background(), log.LevelWarn, "no rabbitmq uri configured, resolved events will not be published")

		return events.NewNop(), nil
	}

	publisher, err := events.DialRabbit(events.RabbitConfig{
		URI:             cfg.RabbitURI,
		Exchange:        cfg.RabbitExchange,
		RoutingKey:      cfg.RabbitRoutingKey,
		PublishAttempts: cfg.RabbitPublishAttempts,
		ConfirmTimeout:  cfg.RabbitConfirmTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: %w", err)
	}

	return publisher, nil
}
