package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
)

const transactionColumns = `
	id, user_id, account_id, external_id, amount, currency, description, merchant_name,
	category, transaction_date, pending, source, created_at, updated_at`

// TransactionRepository serves both the sync ledger writes and the manual
// import and backfill paths.
type TransactionRepository struct {
	db *DB
}

var (
	_ banksync.LedgerRepository = (*TransactionRepository)(nil)
	_ transaction.Repository    = (*TransactionRepository)(nil)
)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var accountID, externalID, merchant, category sql.NullString

	err := row.Scan(
		&t.ID, &t.UserID, &accountID, &externalID, &t.Amount, &t.Currency, &t.Description, &merchant,
		&category, &t.Date, &t.Pending, &t.Source, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AccountID = stringPtr(accountID)
	t.ExternalID = stringPtr(externalID)
	t.MerchantName = stringPtr(merchant)
	t.Category = stringPtr(category)
	return &t, nil
}

const (
	advanceCursorQuery = `
		UPDATE linked_items
		SET sync_cursor = COALESCE($2, sync_cursor),
		    last_synced_at = CURRENT_TIMESTAMP,
		    status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND sync_cursor IS NOT DISTINCT FROM $3
	`

	// An existing category always wins over the aggregator's.
	upsertSyncedQuery = `
		INSERT INTO transactions (
			id, user_id, account_id, item_id, external_id, amount, currency, description,
			merchant_name, category, transaction_date, pending, source
		)
		VALUES (
			$1, $2, (SELECT id FROM accounts WHERE external_account_id = $3), $4, $5, $6, $7, $8,
			$9, $10, $11, $12, 'sync'
		)
		ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO UPDATE SET
			account_id = EXCLUDED.account_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			description = EXCLUDED.description,
			merchant_name = EXCLUDED.merchant_name,
			category = COALESCE(transactions.category, EXCLUDED.category),
			transaction_date = EXCLUDED.transaction_date,
			pending = EXCLUDED.pending,
			updated_at = CURRENT_TIMESTAMP
	`

	deleteSyncedQuery = `DELETE FROM transactions WHERE external_id = $1`
)

// ApplySyncBatch locks the item row with the cursor compare-and-set first, so
// two passes over the same item serialize here even if their leases overlap.
func (r *TransactionRepository) ApplySyncBatch(ctx context.Context, item *banksync.LinkedItem, batch *banksync.SyncBatch, expectedCursor, nextCursor *string) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, advanceCursorQuery, item.ID, nullString(nextCursor), nullString(expectedCursor))
		if err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if n == 0 {
			return banksync.ErrCursorConflict
		}

		upsert, err := tx.PrepareContext(ctx, upsertSyncedQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction upsert: %w", err)
		}
		defer upsert.Close()

		remove, err := tx.PrepareContext(ctx, deleteSyncedQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction delete: %w", err)
		}
		defer remove.Close()

		for _, event := range batch.Events() {
			var rec banksync.TxnRecord
			switch e := event.(type) {
			case banksync.AddedTxn:
				rec = e.TxnRecord
			case banksync.ModifiedTxn:
				rec = e.TxnRecord
			case banksync.RemovedTxn:
				if _, err := remove.ExecContext(ctx, e.ID); err != nil {
					return fmt.Errorf("failed to delete transaction %s: %w", e.ID, err)
				}
				continue
			}

			_, err := upsert.ExecContext(ctx,
				uuid.NewString(), item.UserID, rec.ExternalAccountID, item.ID, rec.ID,
				rec.Amount, rec.Currency, rec.Description, nullString(rec.MerchantName),
				nullString(rec.Category), rec.Date.Format(transaction.DateLayout), rec.Pending,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

func (r *TransactionRepository) ListRecentByUserID(ctx context.Context, userID int64, limit int) ([]*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY transaction_date DESC, created_at DESC
		LIMIT $2`

	return r.list(ctx, "list recent transactions", query, userID, limit)
}

func (r *TransactionRepository) OwnedAccountIDs(ctx context.Context, userID int64, accountIDs []string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE user_id = $1 AND id = ANY($2::uuid[])`,
		userID, pq.Array(accountIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to check account ownership: %w", err)
	}
	defer rows.Close()

	var owned []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		owned = append(owned, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account ids: %w", err)
	}
	return owned, nil
}

func (r *TransactionRepository) CreateBatch(ctx context.Context, params []transaction.CreateTransactionParams) ([]*transaction.Transaction, error) {
	query := `
		INSERT INTO transactions (id, user_id, account_id, amount, currency, description, category, transaction_date, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'manual')
		RETURNING ` + transactionColumns

	created := make([]*transaction.Transaction, 0, len(params))
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction insert: %w", err)
		}
		defer stmt.Close()

		for i, p := range params {
			t, err := scanTransaction(stmt.QueryRowContext(ctx,
				uuid.NewString(), p.UserID, nullString(p.AccountID), p.Amount, p.Currency,
				p.Description, nullString(p.Category), p.Date.Format(transaction.DateLayout),
			))
			if err != nil {
				return fmt.Errorf("failed to create transaction %d: %w", i, err)
			}
			created = append(created, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *TransactionRepository) ListUncategorized(ctx context.Context, afterID string, limit int) ([]*transaction.Transaction, error) {
	if afterID == "" {
		afterID = uuid.Nil.String()
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE category IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`

	return r.list(ctx, "list uncategorized transactions", query, afterID, limit)
}

func (r *TransactionRepository) SetCategory(ctx context.Context, id string, category string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET category = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1 AND category IS NULL`,
		id, category,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set category: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

func (r *TransactionRepository) list(ctx context.Context, op, query string, args ...any) ([]*transaction.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}
