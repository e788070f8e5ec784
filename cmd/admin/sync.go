package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/plaid"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/shared/config"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass for one or more linked items",
		Long: `Runs sync passes inline, one item at a time, without retries.
Items already being synced by the API are reported as busy.`,
		Example: `  admin sync --item-id 0b9f3c1e-3f5a-4c59-9a59-5d1f2f7c2b10
  admin sync --all`,
		RunE: runSync,
	}
	cmd.Flags().StringSlice("item-id", nil, "linked item id (repeatable or comma-separated)")
	cmd.Flags().Bool("all", false, "sync every active item")
	cmd.MarkFlagsMutuallyExclusive("item-id", "all")
	cmd.MarkFlagsOneRequired("item-id", "all")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	itemIDs, _ := cmd.Flags().GetStringSlice("item-id")
	all, _ := cmd.Flags().GetBool("all")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if url := viper.GetString("database-url"); url != "" {
		cfg.Database.URL = url
	}

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.DefaultPoolConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	items := postgres.NewLinkedItemRepository(db)
	worker, err := newSyncWorker(cfg, db, items)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if all {
		itemIDs, err = items.ListActiveIDs(ctx)
		if err != nil {
			return err
		}
	}

	failed := syncItems(ctx, worker, itemIDs, cmd.OutOrStdout())
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed", failed, len(itemIDs))
	}
	return nil
}

type itemSyncer interface {
	SyncItem(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error)
}

// syncItems runs each item in turn and reports one line per item. It returns
// the number of failures; busy items do not count as failures.
func syncItems(ctx context.Context, worker itemSyncer, itemIDs []string, out io.Writer) int {
	failed := 0
	for _, id := range itemIDs {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "%s\tskipped: %v\n", id, ctx.Err())
			failed++
			continue
		}

		result, err := worker.SyncItem(ctx, banksync.SyncRequest{ItemID: id, Trigger: "admin"})
		switch {
		case errors.Is(err, banksync.ErrSyncInProgress):
			fmt.Fprintf(out, "%s\tbusy\n", id)
		case err != nil:
			fmt.Fprintf(out, "%s\tfailed (%s): %v\n", id, banksync.KindOf(err), err)
			failed++
		default:
			fmt.Fprintf(out, "%s\tok accounts=%d added=%d modified=%d removed=%d\n",
				id, result.AccountsSynced, result.Added, result.Modified, result.Removed)
		}
	}
	return failed
}

func newSyncWorker(cfg *config.Config, db *postgres.DB, items *postgres.LinkedItemRepository) (*banksync.Worker, error) {
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
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("init plaid client: %w", err)
	}

	engine := banksync.NewEngine(aggregator,
		postgres.NewAccountRepository(db),
		postgres.NewTransactionRepository(db),
		slog.Default(),
		banksync.WithCategorizer(transaction.NewCategorizer(transaction.DefaultRules)),
		banksync.WithMaxPages(cfg.Sync.MaxPages),
	)
	return banksync.NewWorker(items, vault, engine, cfg.Sync.LeaseTTL, slog.Default()), nil
}
