package main

import (
	"context"
	"time"

	"ricorrenti/internal/amqp"
	"ricorrenti/internal/cli"
	"ricorrenti/internal/ledger"
	gledger "ricorrenti/internal/ledger/google"
	mledger "ricorrenti/internal/ledger/memory"
	"ricorrenti/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger()

	logger.Info("Starting ledger-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	sqliteRepo := cli.InitSQLite(logger, cfg.SQLiteDBPath)

	// Choose the ledger backend. Google Sheets when a spreadsheet is
	// configured, otherwise an in-memory ledger for local runs.
	var appender ledger.Appender
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gledger.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets ledger", "error", err)
			sqliteRepo.Close()
			return
		}
		appender = client
		logger.Info("Google Sheets ledger initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		appender = mledger.New()
		logger.Info("No GOOGLE_SPREADSHEET_ID provided - using in-memory ledger")
	}

	// AMQP is the primary delivery path for this worker.
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		sqliteRepo.Close()
		return
	}

	ledgerWorker := worker.NewLedgerWorker(sqliteRepo, appender, cfg.SweepBatchSize)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func() {
		amqpClient.Close()
		sqliteRepo.Close()
	})

	// On startup, mirror any expenses that were missed while down
	logger.Info("Performing startup sweep...")
	if err := ledgerWorker.StartupSweep(ctx); err != nil {
		logger.Error("Startup sweep failed", "error", err)
		// Don't exit - continue with normal operation
	}

	go func() {
		handler := func(msg *amqp.ExpenseCreatedMessage) error {
			return ledgerWorker.HandleExpenseCreated(ctx, msg)
		}
		if err := amqpClient.ConsumeExpenseCreated(ctx, handler); err != nil && err != context.Canceled {
			logger.Error("Message consumption failed", "error", err)
		}
	}()

	// Periodic sweep for messages lost between publish and consume
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ledgerWorker.ProcessPendingExpenses(ctx); err != nil {
					logger.Error("Periodic sweep failed", "error", err)
				}
			}
		}
	}()

	cli.WaitForShutdown(ctx, done)
	logger.Info("Ledger-worker stopped")
}
