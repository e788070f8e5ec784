package banksync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_Link(t *testing.T) {
	store := newMemStore()
	trigger := &recordingTrigger{}
	broker := NewBroker(&MockAggregator{}, &MockVault{}, store, trigger, nil)

	item, err := broker.Link(context.Background(), 42, "public-sandbox-token")
	require.NoError(t, err)

	assert.Equal(t, int64(42), item.UserID)
	assert.Equal(t, "ext-item-1", item.ExternalItemID)
	assert.Equal(t, "sealed:access-sandbox-token", item.EncryptedAccessToken)
	assert.NotContains(t, item.EncryptedAccessToken, "public")
	assert.Equal(t, []string{item.ID}, trigger.calls)
	assert.Equal(t, []string{"link"}, trigger.reasons)
}

func TestBroker_Link_RelinkRotatesTokenAndReactivates(t *testing.T) {
	existing := &LinkedItem{ID: "item-ext-item-1", UserID: 42, ExternalItemID: "ext-item-1", EncryptedAccessToken: "sealed:old", Status: ItemStatusError}
	store := newMemStore(existing)
	broker := NewBroker(&MockAggregator{}, &MockVault{}, store, &recordingTrigger{}, nil)

	item, err := broker.Link(context.Background(), 42, "public-token")
	require.NoError(t, err)
	assert.Equal(t, "item-ext-item-1", item.ID)
	assert.Equal(t, ItemStatusActive, item.Status)
	assert.Equal(t, "sealed:access-sandbox-token", item.EncryptedAccessToken)
}

func TestBroker_Link_EnqueueFailureStillLinks(t *testing.T) {
	store := newMemStore()
	trigger := &recordingTrigger{err: errors.New("queue full")}
	broker := NewBroker(&MockAggregator{}, &MockVault{}, store, trigger, nil)

	item, err := broker.Link(context.Background(), 1, "public-token")
	require.NoError(t, err)
	_, err = store.GetByID(context.Background(), item.ID)
	assert.NoError(t, err)
}

func TestBroker_ExchangeFailuresArePermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transient from client", &TransientAggregatorError{Op: "item_public_token_exchange", Err: errors.New("timeout")}},
		{"permanent from client", &PermanentAggregatorError{Op: "item_public_token_exchange", Code: "INVALID_PUBLIC_TOKEN", Err: errors.New("bad")}},
		{"unclassified", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &MockAggregator{
				ExchangePublicTokenFunc: func(ctx context.Context, publicToken string) (string, string, error) {
					return "", "", tt.err
				},
			}
			store := newMemStore()
			trigger := &recordingTrigger{}
			broker := NewBroker(agg, &MockVault{}, store, trigger, nil)

			_, err := broker.Link(context.Background(), 1, "public-token")
			require.Error(t, err)
			assert.Equal(t, KindPermanentAggregator, KindOf(err))
			assert.False(t, Retryable(err))
			assert.Empty(t, store.items)
			assert.Equal(t, 0, trigger.count())
		})
	}
}

func TestBroker_Link_RequiresPublicToken(t *testing.T) {
	broker := NewBroker(&MockAggregator{}, &MockVault{}, newMemStore(), &recordingTrigger{}, nil)
	_, err := broker.Link(context.Background(), 1, "  ")
	assert.ErrorIs(t, err, ErrMissingPublicToken)
}

func TestBroker_CreateLinkSession(t *testing.T) {
	var gotUser int64
	agg := &MockAggregator{
		CreateLinkTokenFunc: func(ctx context.Context, userID int64) (*LinkSession, error) {
			gotUser = userID
			return &LinkSession{SessionToken: "link-token"}, nil
		},
	}
	broker := NewBroker(agg, &MockVault{}, newMemStore(), &recordingTrigger{}, nil)

	session, err := broker.CreateLinkSession(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "link-token", session.SessionToken)
	assert.Equal(t, int64(9), gotUser)
}

func TestBroker_GetItemAndDeactivate(t *testing.T) {
	store := newMemStore(&LinkedItem{ID: "item-1", UserID: 42, Status: ItemStatusActive})
	broker := NewBroker(&MockAggregator{}, &MockVault{}, store, &recordingTrigger{}, nil)
	ctx := context.Background()

	_, err := broker.GetItem(ctx, 7, "item-1")
	assert.ErrorIs(t, err, ErrItemNotFound)

	item, err := broker.Deactivate(ctx, 42, "item-1")
	require.NoError(t, err)
	assert.Equal(t, ItemStatusInactive, item.Status)

	// idempotent
	_, err = broker.Deactivate(ctx, 42, "item-1")
	require.NoError(t, err)
	assert.Equal(t, []ItemStatus{ItemStatusInactive}, store.statusChanges)

	got, err := broker.GetItem(ctx, 42, "item-1")
	require.NoError(t, err)
	assert.Equal(t, ItemStatusInactive, got.Status)
}
