package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/banksync"
)

// AccountRepository mirrors aggregator accounts into the accounts table
type AccountRepository struct {
	db *DB
}

var _ banksync.AccountRepository = (*AccountRepository)(nil)

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// UpsertExternal writes every account keyed by its external id in one
// transaction. Balances and descriptive fields are overwritten.
func (r *AccountRepository) UpsertExternal(ctx context.Context, item *banksync.LinkedItem, accounts []banksync.ExternalAccount) (int, error) {
	if len(accounts) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO accounts (
			id, user_id, item_id, external_account_id, name, official_name,
			account_type, subtype, mask, currency, current_balance, available_balance
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_account_id) DO UPDATE SET
			item_id = EXCLUDED.item_id,
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			account_type = EXCLUDED.account_type,
			subtype = EXCLUDED.subtype,
			mask = EXCLUDED.mask,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			updated_at = CURRENT_TIMESTAMP
	`

	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare account upsert: %w", err)
		}
		defer stmt.Close()

		for _, a := range accounts {
			_, err := stmt.ExecContext(ctx,
				uuid.NewString(), item.UserID, item.ID, a.ExternalID, a.Name, nullString(a.OfficialName),
				a.Type, nullString(a.Subtype), nullString(a.Mask), a.Currency,
				nullDecimal(a.CurrentBalance), nullDecimal(a.AvailableBalance),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert account %s: %w", a.ExternalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(accounts), nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
