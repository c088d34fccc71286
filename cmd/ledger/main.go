package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ledger/internal/app/ledger"
	"ledger/internal/config"
	account_http "ledger/internal/handler/http/account"
	kafka_handler "ledger/internal/handler/kafka"
	"ledger/internal/infrastructure/database"
	kafka_infra "ledger/internal/infrastructure/kafka"
	"ledger/internal/outbox"
	"ledger/internal/repository/accounts_repo"
	accounts_memory "ledger/internal/repository/accounts_repo/memory"
	accounts_postgres "ledger/internal/repository/accounts_repo/postgres"
	"ledger/internal/repository/outbox_repo"
	outbox_postgres "ledger/internal/repository/outbox_repo/postgres"
)

func newLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)

	return zapConfig.Build()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create zap logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()
	appLogger.Info("Ledger service starting...", zap.String("store", cfg.Store))

	ctxMain, cancelMain := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelMain()

	var (
		store      accounts_repo.AccountStore
		outboxRepo outbox_repo.OutboxRepository
	)

	switch cfg.Store {
	case config.StoreMemory:
		memStore := accounts_memory.NewStore(accounts_memory.WithLockTimeout(cfg.LockTimeout))
		store, outboxRepo = memStore, memStore
		appLogger.Warn("Using in-memory account store, balances will not survive a restart")
	default:
		pool := database.NewPool(database.DBConfig{
			Host:              cfg.DBConfig.Host,
			Port:              cfg.DBConfig.Port,
			User:              cfg.DBConfig.User,
			Password:          cfg.DBConfig.Password,
			DBName:            cfg.DBConfig.Name,
			SSLMode:           cfg.DBConfig.SSLMode,
			MaxOpenConns:      cfg.DBConfig.MaxOpenConns,
			MaxIdleConns:      cfg.DBConfig.MaxIdleConns,
			ConnectRetries:    cfg.DBConfig.ConnectRetries,
			ConnectRetryDelay: cfg.DBConfig.ConnectRetryDelay,
		}, appLogger.With(zap.String("component", "Database")))

		appLogger.Info("Waiting for database to be available...")
		if err := pool.Open(ctxMain); err != nil {
			appLogger.Fatal("Could not open database", zap.Error(err))
		}
		defer func() {
			if err := pool.Close(); err != nil {
				appLogger.Error("Error closing database connection", zap.Error(err))
			}
		}()

		store = accounts_postgres.NewAccountRepository(pool.DB(), cfg.TxIsolation,
			accounts_postgres.WithLockTimeout(cfg.LockTimeout))
		outboxRepo = outbox_postgres.NewOutboxRepository(pool.DB())
	}

	engineOpts := []ledger.EngineOption{
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts: cfg.TransferMaxAttempts,
			BaseDelay:   cfg.TransferRetryBaseDelay,
			MaxDelay:    cfg.TransferRetryMaxDelay,
		}),
	}
	if cfg.KafkaEnabled {
		engineOpts = append(engineOpts, ledger.WithEventTopic(cfg.KafkaTransferEventsTopic))
	}

	services := account_http.Services{
		Transfers:   ledger.NewTransferEngine(store, appLogger.With(zap.String("component", "TransferEngine")), engineOpts...),
		Balances:    ledger.NewBalanceQueryService(store, appLogger.With(zap.String("component", "BalanceQueryService"))),
		Provisioner: ledger.NewAccountProvisioner(store, appLogger.With(zap.String("component", "AccountProvisioner"))),
	}
	appLogger.Info("Ledger services initialized.")

	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: account_http.NewRouter(account_http.RouterConfig{
			IdentityHeader: cfg.IdentityHeader,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			InternalToken:  cfg.InternalToken,
		}, services, appLogger.With(zap.String("component", "HTTPHandler"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var workers sync.WaitGroup

	if cfg.KafkaEnabled {
		kafkaBrokers := cfg.GetKafkaBrokers()

		topicsCtx, cancel := context.WithTimeout(ctxMain, 10*time.Second)
		err := kafka_infra.EnsureTopics(topicsCtx, kafkaBrokers,
			[]string{cfg.KafkaUserEventsTopic, cfg.KafkaTransferEventsTopic}, appLogger)
		cancel()
		if err != nil {
			appLogger.Fatal("Failed to ensure Kafka topics", zap.Error(err))
		}

		kafkaProducer := kafka_infra.NewProducer(kafkaBrokers, appLogger.With(zap.String("component", "KafkaProducer")))
		defer kafkaProducer.Close()

		outboxProcessor := outbox.NewProcessor(outboxRepo, kafkaProducer, outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			PollTimeout:  cfg.OutboxPollTimeout,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		}, appLogger.With(zap.String("component", "OutboxProcessor")))

		userEventsConsumer := kafka_infra.NewConsumer(
			kafkaBrokers,
			cfg.KafkaConsumerGroup,
			cfg.KafkaUserEventsTopic,
			appLogger.With(zap.String("component", "UserEventsConsumer")),
		)
		userRegisteredHandler := kafka_handler.UserRegisteredMessageHandler(
			services.Provisioner,
			appLogger.With(zap.String("component", "UserRegisteredHandler")),
		)

		workers.Add(2)
		go func() {
			defer workers.Done()
			outboxProcessor.Start(ctxMain)
		}()
		go func() {
			defer workers.Done()
			if err := userEventsConsumer.Start(ctxMain, userRegisteredHandler); err != nil {
				appLogger.Error("User events consumer failed", zap.Error(err))
			}
			if err := userEventsConsumer.Close(); err != nil {
				appLogger.Error("Error closing user events consumer", zap.Error(err))
			}
		}()
	} else {
		appLogger.Info("Kafka disabled, transfer notifications and registration events are off")
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctxMain.Done():
		appLogger.Info("Shutting down application...")
	case err := <-serverErr:
		appLogger.Error("HTTP server failed", zap.Error(err))
		cancelMain()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP server graceful shutdown failed", zap.Error(err))
	} else {
		appLogger.Info("HTTP server gracefully shut down.")
	}

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		appLogger.Info("Background workers stopped.")
	case <-shutdownCtx.Done():
		appLogger.Warn("Background workers did not stop before the shutdown timeout")
	}

	appLogger.Info("Application gracefully shut down.")
}
