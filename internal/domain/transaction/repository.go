package transaction

import (
	"context"
)

// Repository defines the transaction data access used outside the sync path.
// Sync-side writes go through banksync.LedgerRepository so they share the
// cursor commit transaction.
type Repository interface {
	// ListRecentByUserID returns the user's newest transactions by date, newest first.
	ListRecentByUserID(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	// OwnedAccountIDs returns the subset of accountIDs that belong to userID.
	OwnedAccountIDs(ctx context.Context, userID int64, accountIDs []string) ([]string, error)
	// CreateBatch inserts all rows in one transaction, or none.
	CreateBatch(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error)
	// ListUncategorized returns rows with a NULL category and id greater than afterID,
	// ordered by id.
	ListUncategorized(ctx context.Context, afterID string, limit int) ([]*Transaction, error)
	// SetCategory writes category only if the row is still uncategorized.
	SetCategory(ctx context.Context, id string, category string) (bool, error)
}
