package main

import (
	"context"
	"fmt"
	"log/slog"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/plaid"
	"ledgersync/internal/infrastructure/postgres"
	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/interfaces/scheduler"
	"ledgersync/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	LinkHandler    *httphandlers.LinkHandler
	SyncHandler    *httphandlers.SyncHandler
	WebhookHandler *httphandlers.WebhookHandler
	ImportHandler  *httphandlers.ImportHandler

	// Background processing
	Pool       *scheduler.WorkerPool
	Dispatcher *scheduler.Dispatcher
	Scheduler  *scheduler.Scheduler
}

// NewDependencies connects to the database and builds the sync pipeline.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPoolConfig)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, logger); err != nil {
			db.Close()
			return nil, err
		}
	}

	deps, err := buildPipeline(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return deps, nil
}

func buildPipeline(cfg *config.Config, db *postgres.DB, logger *slog.Logger) (*Dependencies, error) {
	vault, err := crypto.NewVault(cfg.Encryption.Key, cfg.Encryption.PreviousKey)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	aggregator, err := plaid.NewClient(plaid.Config{
		ClientID:     cfg.Plaid.ClientID,
		Secret:       cfg.Plaid.Secret,
		Environment:  cfg.Plaid.Environment,
		WebhookURL:   cfg.Plaid.WebhookURL,
		ClientName:   cfg.Plaid.ClientName,
		CountryCodes: cfg.Plaid.CountryCodes,
		Timeout:      cfg.Plaid.Timeout,
		PageSize:     int32(cfg.Plaid.PageSize),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init plaid client: %w", err)
	}

	// Repositories
	items := postgres.NewLinkedItemRepository(db)
	accounts := postgres.NewAccountRepository(db)
	ledger := postgres.NewTransactionRepository(db)

	// Sync pipeline
	categorizer := transaction.NewCategorizer(transaction.DefaultRules)
	engine := banksync.NewEngine(aggregator, accounts, ledger, logger,
		banksync.WithCategorizer(categorizer),
		banksync.WithMaxPages(cfg.Sync.MaxPages),
	)
	worker := banksync.NewWorker(items, vault, engine, cfg.Sync.LeaseTTL, logger)

	pool := scheduler.NewWorkerPool(
		cfg.Scheduler.WorkerCount,
		cfg.Scheduler.JobDelay,
		cfg.Scheduler.JobTimeout,
		cfg.Scheduler.QueueSize,
		logger,
	)
	dispatcher := scheduler.NewDispatcher(pool, worker, scheduler.RetryPolicy{
		BaseDelay:  cfg.Sync.RetryBaseDelay,
		MaxDelay:   cfg.Sync.RetryMaxDelay,
		MaxRetries: uint64(cfg.Sync.MaxRetries),
	}, logger)

	broker := banksync.NewBroker(aggregator, vault, items, dispatcher, logger)
	keys := banksync.NewKeyCache(aggregator, cfg.Sync.KeyCacheTTL)
	ingestor := banksync.NewIngestor(keys, items, dispatcher, cfg.Sync.WebhookMaxAge, logger)

	importer := transaction.NewImportService(ledger, categorizer, logger)
	backfill := transaction.NewBackfillService(ledger, categorizer, cfg.Scheduler.BackfillBatchSize, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(pool, scheduler.Config{
			ScheduleTimes:    cfg.Scheduler.ScheduleTimes,
			RunOnStartup:     cfg.Scheduler.RunOnStartup,
			JobProvider:      scheduler.ActiveItemJobs(items, dispatcher),
			BackfillJob:      scheduler.NewBackfillJob(backfill, logger),
			BackfillInterval: cfg.Scheduler.BackfillInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init scheduler: %w", err)
		}
	}

	return &Dependencies{
		DB:             db,
		LinkHandler:    httphandlers.NewLinkHandler(broker, logger),
		SyncHandler:    httphandlers.NewSyncHandler(dispatcher, logger),
		WebhookHandler: httphandlers.NewWebhookHandler(ingestor, logger),
		ImportHandler:  httphandlers.NewImportHandler(importer, logger),
		Pool:           pool,
		Dispatcher:     dispatcher,
		Scheduler:      sched,
	}, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}
