package banksync

import (
	"context"
	"time"
)

// Aggregator is the external account-aggregation provider.
type Aggregator interface {
	CreateLinkToken(ctx context.Context, userID int64) (*LinkSession, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, externalItemID string, err error)
	FetchAccounts(ctx context.Context, accessToken string) ([]ExternalAccount, error)
	// SyncTransactionsPage fetches the delta after cursor. A nil cursor starts a full resync.
	SyncTransactionsPage(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error)
	FetchWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookKey, error)
}

// Vault seals access tokens for storage.
type Vault interface {
	Encrypt(plaintext string) (string, error)
	// Decrypt fails with *CredentialTamperedError on any authentication failure.
	Decrypt(ciphertext string) (string, error)
	// NeedsRotation reports whether ciphertext was sealed under a non-primary key.
	NeedsRotation(ciphertext string) bool
}

// ItemRepository persists linked items and their sync lease.
type ItemRepository interface {
	Upsert(ctx context.Context, params UpsertItemParams) (*LinkedItem, error)
	GetByID(ctx context.Context, id string) (*LinkedItem, error)
	GetByExternalItemID(ctx context.Context, externalItemID string) (*LinkedItem, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
	// AcquireSyncLease claims the item for owner until now+ttl. Returns
	// ErrSyncInProgress if another live lease exists, ErrItemNotFound or
	// ErrItemInactive otherwise.
	AcquireSyncLease(ctx context.Context, id, owner string, ttl time.Duration) (*LinkedItem, error)
	ReleaseSyncLease(ctx context.Context, id, owner string) error
	RecordFailure(ctx context.Context, id string, failure SyncFailure) error
	SetStatus(ctx context.Context, id string, status ItemStatus) error
	UpdateAccessToken(ctx context.Context, id, encryptedAccessToken string) error
}

// AccountRepository mirrors aggregator accounts into the shared accounts table.
type AccountRepository interface {
	// UpsertExternal writes accounts keyed by external id; balances are last-write-wins.
	UpsertExternal(ctx context.Context, item *LinkedItem, accounts []ExternalAccount) (int, error)
}

// LedgerRepository applies a consolidated delta to the transactions table.
type LedgerRepository interface {
	// ApplySyncBatch writes batch and advances the item cursor from expectedCursor
	// to nextCursor in one database transaction. A nil nextCursor leaves the
	// stored cursor as it is. It returns ErrCursorConflict if the stored cursor
	// no longer equals expectedCursor; nothing is written then.
	ApplySyncBatch(ctx context.Context, item *LinkedItem, batch *SyncBatch, expectedCursor, nextCursor *string) error
}

// SyncTrigger hands a sync pass for an item to the background workers.
type SyncTrigger interface {
	Enqueue(ctx context.Context, itemID string, reason string) error
}
