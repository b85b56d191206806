package main

import (
	"errors"
	"time"

	"ricorrenti/internal/amqp"
	"ricorrenti/internal/cli"
	"ricorrenti/internal/core"
	"ricorrenti/internal/services"
	"ricorrenti/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()

	logger.Info("Starting recurring-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	sqliteRepo := cli.InitSQLite(logger, cfg.SQLiteDBPath)

	// Initialize AMQP client for publishing expense messages.
	// The ledger-worker will consume these and mirror to the ledger.
	var publisher services.EventPublisher
	var closeAMQP func()
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing in SQLite-only mode", "error", err)
		} else {
			publisher = amqpClient
			closeAMQP = func() { amqpClient.Close() }
			logger.Info("AMQP client initialized - expenses will mirror via ledger-worker")
		}
	} else {
		logger.Info("AMQP disabled - expenses will not be mirrored to the ledger")
	}

	processor := services.NewRecurringProcessor(sqliteRepo, publisher, func(err error) bool {
		return errors.Is(err, storage.ErrStaleDefinition)
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		if closeAMQP != nil {
			closeAMQP()
		}
		sqliteRepo.Close()
	})

	logger.Info("Recurring expense processor configured",
		"interval", cfg.RecurringInterval,
		"sqlite_db", cfg.SQLiteDBPath)

	ticker := time.NewTicker(cfg.RecurringInterval)
	defer ticker.Stop()

	// Run initial processing on startup
	logger.Info("Running initial recurring expense processing...")
	if count, err := processor.ProcessAllUsers(ctx, core.DateOf(time.Now())); err != nil {
		logger.Error("Initial processing failed", "error", err)
	} else {
		logger.Info("Initial processing complete", "expenses_created", count)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				logger.Info("Processing due recurring expenses...")
				count, err := processor.ProcessAllUsers(ctx, core.DateOf(now))
				if err != nil {
					logger.Error("Periodic processing failed", "error", err)
				} else {
					logger.Info("Periodic processing complete",
						"expenses_created", count,
						"next_check", now.Add(cfg.RecurringInterval).Format("15:04:05"))
				}
			}
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Recurring-worker stopped")
}
