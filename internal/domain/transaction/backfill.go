package transaction

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultBackfillBatchSize is the page size used when scanning uncategorized rows
const DefaultBackfillBatchSize = 500

// BackfillService assigns categories to rows that were stored without one,
// e.g. before a keyword was added.
type BackfillService struct {
	repo        Repository
	categorizer *Categorizer
	batchSize   int
	logger      *slog.Logger
}

func NewBackfillService(repo Repository, categorizer *Categorizer, batchSize int, logger *slog.Logger) *BackfillService {
	if categorizer == nil {
		categorizer = defaultCategorizer
	}
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillService{
		repo:        repo,
		categorizer: categorizer,
		batchSize:   batchSize,
		logger:      logger.With("component", "backfill"),
	}
}

// Run scans every uncategorized row once. Rows that still match nothing are
// left NULL; per-row write failures are collected and do not stop the scan.
func (s *BackfillService) Run(ctx context.Context) (*BackfillResult, error) {
	result := &BackfillResult{Errors: []string{}}
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.repo.ListUncategorized(ctx, afterID, s.batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list uncategorized transactions: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, txn := range batch {
			result.Scanned++
			afterID = txn.ID

			category := s.categorizer.Categorize(txn.Description)
			if category == nil {
				continue
			}
			updated, err := s.repo.SetCategory(ctx, txn.ID, *category)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("transaction %s: %v", txn.ID, err))
				continue
			}
			if updated {
				result.Categorized++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	if result.Categorized > 0 || len(result.Errors) > 0 {
		s.logger.Info("categorization backfill completed",
			"scanned", result.Scanned,
			"categorized", result.Categorized,
			"errors", len(result.Errors))
	}

	return result, nil
}
