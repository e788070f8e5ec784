package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain/banksync"
)

const maxErrorMessageLen = 1000

const linkedItemColumns = `
	id, user_id, external_item_id, encrypted_access_token, sync_cursor, status,
	last_synced_at, last_error_kind, last_error_message, last_error_at,
	sync_lease_owner, sync_lease_until, created_at, updated_at`

// LinkedItemRepository implements banksync.ItemRepository for PostgreSQL
type LinkedItemRepository struct {
	db *DB
}

var _ banksync.ItemRepository = (*LinkedItemRepository)(nil)

func NewLinkedItemRepository(db *DB) *LinkedItemRepository {
	return &LinkedItemRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLinkedItem(row rowScanner) (*banksync.LinkedItem, error) {
	var item banksync.LinkedItem
	var status string
	var cursor, errKind, errMsg, leaseOwner sql.NullString
	var lastSynced, lastErrAt, leaseUntil sql.NullTime

	err := row.Scan(
		&item.ID, &item.UserID, &item.ExternalItemID, &item.EncryptedAccessToken, &cursor, &status,
		&lastSynced, &errKind, &errMsg, &lastErrAt,
		&leaseOwner, &leaseUntil, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Status = banksync.ItemStatus(status)
	item.Cursor = stringPtr(cursor)
	item.LastSyncedAt = timePtr(lastSynced)
	item.LastErrorKind = stringPtr(errKind)
	item.LastErrorMessage = stringPtr(errMsg)
	item.LastErrorAt = timePtr(lastErrAt)
	item.SyncLeaseOwner = stringPtr(leaseOwner)
	item.SyncLeaseUntil = timePtr(leaseUntil)
	return &item, nil
}

// Upsert inserts a new item or, for a known external item, rotates its token
// and reactivates it. The sync cursor is kept across re-links.
func (r *LinkedItemRepository) Upsert(ctx context.Context, params banksync.UpsertItemParams) (*banksync.LinkedItem, error) {
	query := `
		INSERT INTO linked_items (id, user_id, external_item_id, encrypted_access_token, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (external_item_id) DO UPDATE SET
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			status = 'active',
			updated_at = CURRENT_TIMESTAMP
		RETURNING ` + linkedItemColumns

	item, err := scanLinkedItem(r.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.UserID, params.ExternalItemID, params.EncryptedAccessToken,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert linked item: %w", err)
	}
	return item, nil
}

func (r *LinkedItemRepository) GetByID(ctx context.Context, id string) (*banksync.LinkedItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, banksync.ErrItemNotFound
	}

	query := `SELECT ` + linkedItemColumns + ` FROM linked_items WHERE id = $1`
	item, err := scanLinkedItem(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, banksync.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked item: %w", err)
	}
	return item, nil
}

func (r *LinkedItemRepository) GetByExternalItemID(ctx context.Context, externalItemID string) (*banksync.LinkedItem, error) {
	query := `SELECT ` + linkedItemColumns + ` FROM linked_items WHERE external_item_id = $1`
	item, err := scanLinkedItem(r.db.QueryRowContext(ctx, query, externalItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, banksync.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked item by external id: %w", err)
	}
	return item, nil
}

func (r *LinkedItemRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM linked_items WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item ids: %w", err)
	}
	return ids, nil
}

// AcquireSyncLease claims the row with a conditional UPDATE. An expired lease
// can be taken over by any owner.
func (r *LinkedItemRepository) AcquireSyncLease(ctx context.Context, id, owner string, ttl time.Duration) (*banksync.LinkedItem, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, banksync.ErrItemNotFound
	}

	query := `
		UPDATE linked_items
		SET sync_lease_owner = $2,
		    sync_lease_until = CURRENT_TIMESTAMP + ($3::double precision * INTERVAL '1 second'),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status <> 'inactive'
		  AND (sync_lease_until IS NULL OR sync_lease_until < CURRENT_TIMESTAMP)
		RETURNING ` + linkedItemColumns

	item, err := scanLinkedItem(r.db.QueryRowContext(ctx, query, id, owner, ttl.Seconds()))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}

	// Nothing updated: find out why.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == banksync.ItemStatusInactive {
		return nil, banksync.ErrItemInactive
	}
	return nil, banksync.ErrSyncInProgress
}

func (r *LinkedItemRepository) ReleaseSyncLease(ctx context.Context, id, owner string) error {
	query := `
		UPDATE linked_items
		SET sync_lease_owner = NULL, sync_lease_until = NULL
		WHERE id = $1 AND sync_lease_owner = $2
	`
	if _, err := r.db.ExecContext(ctx, query, id, owner); err != nil {
		return fmt.Errorf("failed to release sync lease: %w", err)
	}
	return nil
}

// RecordFailure stores the last error. With MarkError the item moves to
// status error unless it was deactivated.
func (r *LinkedItemRepository) RecordFailure(ctx context.Context, id string, failure banksync.SyncFailure) error {
	msg := failure.Message
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen]
	}

	query := `
		UPDATE linked_items
		SET last_error_kind = $2,
		    last_error_message = $3,
		    last_error_at = CURRENT_TIMESTAMP,
		    status = CASE WHEN $4::boolean AND status <> 'inactive' THEN 'error' ELSE status END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	return r.execOne(ctx, "record sync failure", query, id, string(failure.Kind), msg, failure.MarkError)
}

func (r *LinkedItemRepository) SetStatus(ctx context.Context, id string, status banksync.ItemStatus) error {
	query := `UPDATE linked_items SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	return r.execOne(ctx, "set item status", query, id, string(status))
}

func (r *LinkedItemRepository) UpdateAccessToken(ctx context.Context, id, encryptedAccessToken string) error {
	query := `UPDATE linked_items SET encrypted_access_token = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	return r.execOne(ctx, "update access token", query, id, encryptedAccessToken)
}

func (r *LinkedItemRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	if _, err := uuid.Parse(args[0].(string)); err != nil {
		return banksync.ErrItemNotFound
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return banksync.ErrItemNotFound
	}
	return nil
}
