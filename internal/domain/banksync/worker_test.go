package banksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerFixture(item *LinkedItem, agg *MockAggregator, vault *MockVault) (*Worker, *memStore) {
	store := newMemStore(item)
	if agg == nil {
		agg = &MockAggregator{}
	}
	if vault == nil {
		vault = &MockVault{}
	}
	engine := NewEngine(agg, store, store, nil)
	w := NewWorker(store, vault, engine, time.Minute, nil)
	w.newOwner = func() string { return "owner-1" }
	return w, store
}

func activeItem() *LinkedItem {
	return &LinkedItem{ID: "item-1", UserID: 42, ExternalItemID: "ext-1", EncryptedAccessToken: "sealed:access-token", Status: ItemStatusActive}
}

func TestWorker_SyncItem_Success(t *testing.T) {
	var gotToken string
	agg := &MockAggregator{
		FetchAccountsFunc: func(ctx context.Context, accessToken string) ([]ExternalAccount, error) {
			gotToken = accessToken
			return nil, nil
		},
	}
	w, store := newWorkerFixture(activeItem(), agg, nil)

	result, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1", Trigger: "test"})
	require.NoError(t, err)
	assert.Equal(t, "item-1", result.ItemID)
	assert.Equal(t, "access-token", gotToken)
	assert.Equal(t, "c-empty", *store.cursorOf("item-1"))

	item, _ := store.GetByID(context.Background(), "item-1")
	assert.Nil(t, item.SyncLeaseOwner, "lease released")
	assert.NotNil(t, item.LastSyncedAt)
}

func TestWorker_SyncItem_TamperedCredentialMarksError(t *testing.T) {
	item := activeItem()
	item.EncryptedAccessToken = "garbage"
	called := false
	agg := &MockAggregator{
		FetchAccountsFunc: func(ctx context.Context, accessToken string) ([]ExternalAccount, error) {
			called = true
			return nil, nil
		},
	}
	w, store := newWorkerFixture(item, agg, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	require.Error(t, err)
	assert.Equal(t, KindCredentialTampered, KindOf(err))
	assert.False(t, called, "aggregator must not be called without a valid token")

	got, _ := store.GetByID(context.Background(), "item-1")
	assert.Equal(t, ItemStatusError, got.Status)
	assert.Equal(t, string(KindCredentialTampered), *got.LastErrorKind)
	assert.Nil(t, got.SyncLeaseOwner)
}

func TestWorker_SyncItem_UnclassifiedDecryptErrorIsTampered(t *testing.T) {
	vault := &MockVault{DecryptFunc: func(string) (string, error) { return "", errors.New("cipher: message authentication failed") }}
	w, _ := newWorkerFixture(activeItem(), nil, vault)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	assert.Equal(t, KindCredentialTampered, KindOf(err))
}

func TestWorker_SyncItem_FailurePolicy(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus ItemStatus
	}{
		{"transient keeps status", &TransientAggregatorError{Op: "accounts_get", Err: errors.New("timeout")}, ItemStatusActive},
		{"permanent marks error", &PermanentAggregatorError{Op: "accounts_get", Code: "ITEM_LOGIN_REQUIRED", Err: errors.New("login")}, ItemStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &MockAggregator{
				FetchAccountsFunc: func(ctx context.Context, accessToken string) ([]ExternalAccount, error) {
					return nil, tt.err
				},
			}
			w, store := newWorkerFixture(activeItem(), agg, nil)

			_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
			require.Error(t, err)

			got, _ := store.GetByID(context.Background(), "item-1")
			assert.Equal(t, tt.wantStatus, got.Status)
			require.NotNil(t, got.LastErrorKind)
			assert.Equal(t, string(KindOf(tt.err)), *got.LastErrorKind)
			assert.Nil(t, got.Cursor)
		})
	}
}

func TestWorker_SyncItem_LeaseBusy(t *testing.T) {
	item := activeItem()
	other := "someone-else"
	until := time.Now().Add(time.Minute)
	item.SyncLeaseOwner = &other
	item.SyncLeaseUntil = &until
	w, store := newWorkerFixture(item, nil, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.True(t, Retryable(err))

	got, _ := store.GetByID(context.Background(), "item-1")
	assert.Equal(t, "someone-else", *got.SyncLeaseOwner, "foreign lease untouched")
}

func TestWorker_SyncItem_ExpiredLeaseIsTakenOver(t *testing.T) {
	item := activeItem()
	other := "crashed-worker"
	until := time.Now().Add(-time.Minute)
	item.SyncLeaseOwner = &other
	item.SyncLeaseUntil = &until
	w, _ := newWorkerFixture(item, nil, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	assert.NoError(t, err)
}

func TestWorker_SyncItem_OwnershipAndState(t *testing.T) {
	w, _ := newWorkerFixture(activeItem(), nil, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1", UserID: 7})
	assert.ErrorIs(t, err, ErrItemNotFound)

	_, err = w.SyncItem(context.Background(), SyncRequest{ItemID: "missing"})
	assert.ErrorIs(t, err, ErrItemNotFound)

	inactive := activeItem()
	inactive.Status = ItemStatusInactive
	w, _ = newWorkerFixture(inactive, nil, nil)
	_, err = w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	assert.ErrorIs(t, err, ErrItemInactive)
}

func TestWorker_SyncItem_RotatesLegacyCiphertext(t *testing.T) {
	vault := &MockVault{
		NeedsRotationFunc: func(ct string) bool { return ct == "sealed:access-token" },
		EncryptFunc:       func(pt string) (string, error) { return "sealed2:" + pt, nil },
		DecryptFunc:       func(ct string) (string, error) { return "access-token", nil },
	}
	w, store := newWorkerFixture(activeItem(), nil, vault)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	require.NoError(t, err)

	got, _ := store.GetByID(context.Background(), "item-1")
	assert.Equal(t, "sealed2:access-token", got.EncryptedAccessToken)
}

func TestWorker_SyncItem_CursorOverride(t *testing.T) {
	var requested *string
	agg := &MockAggregator{
		SyncTransactionsPageFunc: func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
			requested = cursor
			return &SyncPage{NextCursor: "next"}, nil
		},
	}
	w, _ := newWorkerFixture(activeItem(), agg, nil)

	override := "from-here"
	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1", Cursor: &override})
	require.NoError(t, err)
	require.NotNil(t, requested)
	assert.Equal(t, "from-here", *requested)
}

func TestWorker_SyncItem_RejectedOverrideDoesNotMarkError(t *testing.T) {
	stored := "c-100"
	item := activeItem()
	item.Cursor = &stored
	agg := &MockAggregator{
		SyncTransactionsPageFunc: func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
			return nil, &PermanentAggregatorError{Op: "transactions_sync", Code: "INVALID_FIELD", Err: errors.New("cursor invalid")}
		},
	}
	w, store := newWorkerFixture(item, agg, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1", Cursor: strPtr("garbage"), Trigger: "manual"})
	require.Error(t, err)
	assert.Equal(t, KindPermanentAggregator, KindOf(err))

	got, _ := store.GetByID(context.Background(), "item-1")
	assert.Equal(t, ItemStatusActive, got.Status)
	assert.Equal(t, string(KindPermanentAggregator), *got.LastErrorKind)
	assert.Equal(t, "c-100", *got.Cursor)

	ids, _ := store.ListActiveIDs(context.Background())
	assert.Contains(t, ids, "item-1")
}

func TestWorker_SyncItem_PermanentFailureWithoutOverrideMarksError(t *testing.T) {
	agg := &MockAggregator{
		SyncTransactionsPageFunc: func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
			return nil, &PermanentAggregatorError{Op: "transactions_sync", Code: "ITEM_LOGIN_REQUIRED", Err: errors.New("login required")}
		},
	}
	w, store := newWorkerFixture(activeItem(), agg, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	require.Error(t, err)

	got, _ := store.GetByID(context.Background(), "item-1")
	assert.Equal(t, ItemStatusError, got.Status)
}

func TestWorker_SyncItem_OlderOverrideNeverMovesCursorBack(t *testing.T) {
	stored := "c-100"
	item := activeItem()
	item.Cursor = &stored
	agg := &MockAggregator{
		SyncTransactionsPageFunc: func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
			return &SyncPage{NextCursor: "c-5"}, nil
		},
	}
	w, store := newWorkerFixture(item, agg, nil)

	_, err := w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1", Cursor: strPtr("c-4"), Trigger: "manual"})
	require.NoError(t, err)
	assert.Equal(t, "c-100", *store.cursorOf("item-1"))

	// a regular pass still starts from the stored cursor
	var from string
	agg.SyncTransactionsPageFunc = func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
		from = *cursor
		return &SyncPage{NextCursor: "c-101"}, nil
	}
	_, err = w.SyncItem(context.Background(), SyncRequest{ItemID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, "c-100", from)
	assert.Equal(t, "c-101", *store.cursorOf("item-1"))
}
