package banksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrMissingPublicToken = errors.New("public token is required")

// Broker manages the connection lifecycle: link sessions, token exchange,
// status reads and deactivation.
type Broker struct {
	aggregator Aggregator
	vault      Vault
	items      ItemRepository
	trigger    SyncTrigger
	logger     *slog.Logger
}

func NewBroker(aggregator Aggregator, vault Vault, items ItemRepository, trigger SyncTrigger, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		aggregator: aggregator,
		vault:      vault,
		items:      items,
		trigger:    trigger,
		logger:     logger.With("component", "broker"),
	}
}

// CreateLinkSession opens a link session scoped to userID.
func (b *Broker) CreateLinkSession(ctx context.Context, userID int64) (*LinkSession, error) {
	session, err := b.aggregator.CreateLinkToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create link session: %w", err)
	}
	return session, nil
}

// ExchangePublicToken trades a one-time public token for a long-lived access
// token. Every failure is permanent: public tokens are single-use.
func (b *Broker) ExchangePublicToken(ctx context.Context, publicToken string) (accessToken, externalItemID string, err error) {
	if strings.TrimSpace(publicToken) == "" {
		return "", "", ErrMissingPublicToken
	}

	accessToken, externalItemID, err = b.aggregator.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		var permanent *PermanentAggregatorError
		if errors.As(err, &permanent) {
			return "", "", err
		}
		return "", "", &PermanentAggregatorError{Op: "item_public_token_exchange", Err: err}
	}
	return accessToken, externalItemID, nil
}

// Link exchanges the public token, stores the sealed access token and hands
// the first sync to the background workers. The returned item is persisted
// even if the hand-off fails; the scheduled sweep picks it up later.
func (b *Broker) Link(ctx context.Context, userID int64, publicToken string) (*LinkedItem, error) {
	accessToken, externalItemID, err := b.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, err
	}

	sealed, err := b.vault.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}

	item, err := b.items.Upsert(ctx, UpsertItemParams{
		UserID:               userID,
		ExternalItemID:       externalItemID,
		EncryptedAccessToken: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("store linked item: %w", err)
	}

	b.logger.Info("item linked", "item_id", item.ID, "user_id", userID)

	if err := b.trigger.Enqueue(ctx, item.ID, "link"); err != nil {
		b.logger.Warn("initial sync not enqueued", "item_id", item.ID, "error", err)
	}
	return item, nil
}

// GetItem returns the item if userID owns it.
func (b *Broker) GetItem(ctx context.Context, userID int64, itemID string) (*LinkedItem, error) {
	item, err := b.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.UserID != userID {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// Deactivate unlinks the item without deleting it. Already inactive items are left as is.
func (b *Broker) Deactivate(ctx context.Context, userID int64, itemID string) (*LinkedItem, error) {
	item, err := b.GetItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status == ItemStatusInactive {
		return item, nil
	}
	if err := b.items.SetStatus(ctx, item.ID, ItemStatusInactive); err != nil {
		return nil, fmt.Errorf("deactivate item: %w", err)
	}
	item.Status = ItemStatusInactive
	b.logger.Info("item deactivated", "item_id", item.ID, "user_id", userID)
	return item, nil
}
