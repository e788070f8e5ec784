package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultCurrency is applied to imported rows that do not name one
const DefaultCurrency = "USD"

var (
	ErrEmptyImport = errors.New("no transactions to import")
	// ErrUnknownAccount covers both missing accounts and accounts of another user.
	ErrUnknownAccount = errors.New("unknown account")
)

// ImportService handles manual bulk import of transactions
type ImportService struct {
	repo        Repository
	categorizer *Categorizer
	logger      *slog.Logger
}

// NewImportService creates a new import service
func NewImportService(repo Repository, categorizer *Categorizer, logger *slog.Logger) *ImportService {
	if categorizer == nil {
		categorizer = defaultCategorizer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportService{
		repo:        repo,
		categorizer: categorizer,
		logger:      logger.With("component", "import"),
	}
}

// Import inserts items for userID, skipping rows that look like duplicates of
// the user's recent history or of earlier rows in the same request. Accepted
// rows are categorized when they carry no category and inserted atomically.
func (s *ImportService) Import(ctx context.Context, userID int64, items []ImportItem) (*ImportResult, error) {
	if len(items) == 0 {
		return nil, ErrEmptyImport
	}

	if err := s.checkAccounts(ctx, userID, items); err != nil {
		return nil, err
	}

	history, err := s.repo.ListRecentByUserID(ctx, userID, DuplicateHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent transactions: %w", err)
	}

	result := &ImportResult{
		Total:      len(items),
		Duplicates: []ImportItem{},
	}

	accepted := make([]*Transaction, 0, len(items))
	params := make([]CreateTransactionParams, 0, len(items))

	for _, item := range items {
		candidate := Candidate{Amount: item.Amount, Date: item.Date.Time, Description: item.Description}

		if IsLikelyDuplicate(candidate, history) || IsLikelyDuplicate(candidate, accepted) {
			result.Skipped++
			result.Duplicates = append(result.Duplicates, item)
			continue
		}

		category := item.Category
		if category == nil || strings.TrimSpace(*category) == "" {
			category = s.categorizer.Categorize(item.Description)
		}

		currency := strings.ToUpper(item.Currency)
		if currency == "" {
			currency = DefaultCurrency
		}

		params = append(params, CreateTransactionParams{
			UserID:      userID,
			AccountID:   item.AccountID,
			Amount:      item.Amount,
			Currency:    currency,
			Description: item.Description,
			Category:    category,
			Date:        item.Date.Time,
		})
		accepted = append(accepted, &Transaction{
			Amount:      item.Amount,
			Date:        item.Date.Time,
			Description: item.Description,
		})
	}

	if len(params) > 0 {
		created, err := s.repo.CreateBatch(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to insert imported transactions: %w", err)
		}
		result.Imported = len(created)
	}

	s.logger.Info("import completed",
		"user_id", userID,
		"total", result.Total,
		"imported", result.Imported,
		"skipped", result.Skipped)

	return result, nil
}

func (s *ImportService) checkAccounts(ctx context.Context, userID int64, items []ImportItem) error {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range items {
		if item.AccountID != nil && !seen[*item.AccountID] {
			seen[*item.AccountID] = true
			ids = append(ids, *item.AccountID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	owned, err := s.repo.OwnedAccountIDs(ctx, userID, ids)
	if err != nil {
		return fmt.Errorf("failed to check account ownership: %w", err)
	}
	ok := make(map[string]bool, len(owned))
	for _, id := range owned {
		ok[id] = true
	}
	for i, item := range items {
		if item.AccountID != nil && !ok[*item.AccountID] {
			return fmt.Errorf("%w: transactions[%d].accountId %s", ErrUnknownAccount, i, *item.AccountID)
		}
	}
	return nil
}
