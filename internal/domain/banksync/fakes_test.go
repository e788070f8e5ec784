package banksync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MockAggregator struct {
	CreateLinkTokenFunc             func(ctx context.Context, userID int64) (*LinkSession, error)
	ExchangePublicTokenFunc         func(ctx context.Context, publicToken string) (string, string, error)
	FetchAccountsFunc               func(ctx context.Context, accessToken string) ([]ExternalAccount, error)
	SyncTransactionsPageFunc        func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error)
	FetchWebhookVerificationKeyFunc func(ctx context.Context, keyID string) (*WebhookKey, error)
}

func (m *MockAggregator) CreateLinkToken(ctx context.Context, userID int64) (*LinkSession, error) {
	if m.CreateLinkTokenFunc != nil {
		return m.CreateLinkTokenFunc(ctx, userID)
	}
	return &LinkSession{SessionToken: "link-sandbox-token", Expiry: time.Now().Add(4 * time.Hour)}, nil
}
func (m *MockAggregator) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	if m.ExchangePublicTokenFunc != nil {
		return m.ExchangePublicTokenFunc(ctx, publicToken)
	}
	return "access-sandbox-token", "ext-item-1", nil
}
func (m *MockAggregator) FetchAccounts(ctx context.Context, accessToken string) ([]ExternalAccount, error) {
	if m.FetchAccountsFunc != nil {
		return m.FetchAccountsFunc(ctx, accessToken)
	}
	return nil, nil
}
func (m *MockAggregator) SyncTransactionsPage(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
	if m.SyncTransactionsPageFunc != nil {
		return m.SyncTransactionsPageFunc(ctx, accessToken, cursor)
	}
	return &SyncPage{NextCursor: "c-empty"}, nil
}
func (m *MockAggregator) FetchWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookKey, error) {
	if m.FetchWebhookVerificationKeyFunc != nil {
		return m.FetchWebhookVerificationKeyFunc(ctx, keyID)
	}
	return nil, &PermanentAggregatorError{Op: "webhook_verification_key_get", Err: errors.New("not found")}
}

// pagedFeed serves pages keyed by the cursor they are requested with ("" for nil).
func pagedFeed(pages map[string]*SyncPage, failAt map[string]error) func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
	return func(ctx context.Context, accessToken string, cursor *string) (*SyncPage, error) {
		key := ""
		if cursor != nil {
			key = *cursor
		}
		if err, ok := failAt[key]; ok {
			return nil, err
		}
		page, ok := pages[key]
		if !ok {
			return nil, errors.New("unexpected cursor " + key)
		}
		return page, nil
	}
}

type MockVault struct {
	EncryptFunc       func(plaintext string) (string, error)
	DecryptFunc       func(ciphertext string) (string, error)
	NeedsRotationFunc func(ciphertext string) bool
}

func (m *MockVault) Encrypt(plaintext string) (string, error) {
	if m.EncryptFunc != nil {
		return m.EncryptFunc(plaintext)
	}
	return "sealed:" + plaintext, nil
}
func (m *MockVault) Decrypt(ciphertext string) (string, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ciphertext)
	}
	if len(ciphertext) > 7 && ciphertext[:7] == "sealed:" {
		return ciphertext[7:], nil
	}
	return "", &CredentialTamperedError{Err: errors.New("bad envelope")}
}
func (m *MockVault) NeedsRotation(ciphertext string) bool {
	if m.NeedsRotationFunc != nil {
		return m.NeedsRotationFunc(ciphertext)
	}
	return false
}

// memStore is an in-memory ItemRepository + AccountRepository + LedgerRepository.
type memStore struct {
	mu       sync.Mutex
	items    map[string]*LinkedItem
	accounts map[string]ExternalAccount
	txns     map[string]TxnRecord

	// failApply, when set, is called per event inside ApplySyncBatch; an
	// error aborts the batch and discards its partial writes.
	failApply     func(n int, e TxnEvent) error
	failAccounts  error
	applyCalls    int
	statusChanges []ItemStatus
	failures      []SyncFailure
	released      []string
}

func newMemStore(items ...*LinkedItem) *memStore {
	s := &memStore{
		items:    make(map[string]*LinkedItem),
		accounts: make(map[string]ExternalAccount),
		txns:     make(map[string]TxnRecord),
	}
	for _, it := range items {
		cp := *it
		s.items[it.ID] = &cp
	}
	return s
}

func (s *memStore) cursorOf(id string) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.items[id].Cursor; c != nil {
		v := *c
		return &v
	}
	return nil
}

func (s *memStore) Upsert(ctx context.Context, p UpsertItemParams) (*LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ExternalItemID == p.ExternalItemID {
			it.EncryptedAccessToken = p.EncryptedAccessToken
			it.Status = ItemStatusActive
			cp := *it
			return &cp, nil
		}
	}
	it := &LinkedItem{
		ID:                   "item-" + p.ExternalItemID,
		UserID:               p.UserID,
		ExternalItemID:       p.ExternalItemID,
		EncryptedAccessToken: p.EncryptedAccessToken,
		Status:               ItemStatusActive,
	}
	s.items[it.ID] = it
	cp := *it
	return &cp, nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *memStore) GetByExternalItemID(ctx context.Context, ext string) (*LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ExternalItemID == ext {
			cp := *it
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (s *memStore) ListActiveIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, it := range s.items {
		if it.Status == ItemStatusActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) AcquireSyncLease(ctx context.Context, id, owner string, ttl time.Duration) (*LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	if it.Status == ItemStatusInactive {
		return nil, ErrItemInactive
	}
	if it.SyncLeaseOwner != nil && it.SyncLeaseUntil != nil && it.SyncLeaseUntil.After(time.Now()) {
		return nil, ErrSyncInProgress
	}
	until := time.Now().Add(ttl)
	it.SyncLeaseOwner = &owner
	it.SyncLeaseUntil = &until
	cp := *it
	return &cp, nil
}

func (s *memStore) ReleaseSyncLease(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it != nil && it.SyncLeaseOwner != nil && *it.SyncLeaseOwner == owner {
		it.SyncLeaseOwner = nil
		it.SyncLeaseUntil = nil
	}
	s.released = append(s.released, id)
	return nil
}

func (s *memStore) RecordFailure(ctx context.Context, id string, f SyncFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	it := s.items[id]
	kind := string(f.Kind)
	it.LastErrorKind = &kind
	it.LastErrorMessage = &f.Message
	if f.MarkError && it.Status != ItemStatusInactive {
		it.Status = ItemStatusError
	}
	return nil
}

func (s *memStore) SetStatus(ctx context.Context, id string, status ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusChanges = append(s.statusChanges, status)
	s.items[id].Status = status
	return nil
}

func (s *memStore) UpdateAccessToken(ctx context.Context, id, sealed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[id].EncryptedAccessToken = sealed
	return nil
}

func (s *memStore) UpsertExternal(ctx context.Context, item *LinkedItem, accounts []ExternalAccount) (int, error) {
	if s.failAccounts != nil {
		return 0, s.failAccounts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		s.accounts[a.ExternalID] = a
	}
	return len(accounts), nil
}

func (s *memStore) ApplySyncBatch(ctx context.Context, item *LinkedItem, batch *SyncBatch, expected, next *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyCalls++

	stored := s.items[item.ID]
	if !cursorEqual(stored.Cursor, expected) {
		return ErrCursorConflict
	}

	staged := make(map[string]TxnRecord, len(s.txns))
	for k, v := range s.txns {
		staged[k] = v
	}

	for n, e := range batch.Events() {
		if s.failApply != nil {
			if err := s.failApply(n, e); err != nil {
				return err
			}
		}
		switch t := e.(type) {
		case AddedTxn:
			rec := t.TxnRecord
			if prev, ok := staged[t.ID]; ok && prev.Category != nil {
				rec.Category = prev.Category
			}
			staged[t.ID] = rec
		case ModifiedTxn:
			rec := t.TxnRecord
			if prev, ok := staged[t.ID]; ok {
				rec.Category = prev.Category
			}
			staged[t.ID] = rec
		case RemovedTxn:
			delete(staged, t.ID)
		}
	}

	s.txns = staged
	if next != nil {
		v := *next
		stored.Cursor = &v
	}
	now := time.Now()
	stored.LastSyncedAt = &now
	if stored.Status == ItemStatusError {
		stored.Status = ItemStatusActive
	}
	return nil
}

func cursorEqual(a, b *string) bool {
	return !IsReplay(&LinkedItem{Cursor: a}, b)
}

type recordingTrigger struct {
	mu      sync.Mutex
	calls   []string
	reasons []string
	err     error
}

func (r *recordingTrigger) Enqueue(ctx context.Context, itemID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, itemID)
	r.reasons = append(r.reasons, reason)
	return r.err
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func rec(id, account, amount, desc string) TxnRecord {
	return TxnRecord{
		ID:                id,
		ExternalAccountID: account,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
		Description:       desc,
		Date:              time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func strPtr(s string) *string { return &s }
