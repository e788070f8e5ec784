package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/infrastructure/postgres"
)

func categorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "categorize <description>",
		Short:   "Show the category a description maps to",
		Example: `  admin categorize "UBER TRIP 8812"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description := strings.Join(args, " ")
			category := transaction.Categorize(description)
			if category == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "(uncategorized)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), *category)
			return nil
		},
	}
}

func backfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categorize-backfill",
		Short: "Categorize stored transactions that have no category",
		RunE:  runBackfill,
	}
	cmd.Flags().Int("batch-size", transaction.DefaultBackfillBatchSize, "rows read per batch")
	return cmd
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	service := transaction.NewBackfillService(
		postgres.NewTransactionRepository(db),
		transaction.NewCategorizer(transaction.DefaultRules),
		batchSize,
		slog.Default(),
	)

	result, err := service.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scanned:     %d\n", result.Scanned)
	fmt.Fprintf(out, "categorized: %d\n", result.Categorized)
	for _, e := range result.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	return nil
}
