package banksync

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/shopspring/decimal"
)

type ItemStatus string

const (
	ItemStatusActive   ItemStatus = "active"
	ItemStatusError    ItemStatus = "error"
	ItemStatusInactive ItemStatus = "inactive"
)

// LinkedItem is one external bank connection owned by a user.
type LinkedItem struct {
	ID                   string     `json:"id"`
	UserID               int64      `json:"userId"`
	ExternalItemID       string     `json:"externalItemId"`
	EncryptedAccessToken string     `json:"-"`
	Cursor               *string    `json:"-"`
	Status               ItemStatus `json:"status"`
	LastSyncedAt         *time.Time `json:"lastSyncedAt,omitempty"`
	LastErrorKind        *string    `json:"lastErrorKind,omitempty"`
	LastErrorMessage     *string    `json:"lastErrorMessage,omitempty"`
	LastErrorAt          *time.Time `json:"lastErrorAt,omitempty"`
	SyncLeaseOwner       *string    `json:"-"`
	SyncLeaseUntil       *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// UpsertItemParams is used when a public token exchange succeeds. A re-link of
// an existing external item rotates its token and reactivates it.
type UpsertItemParams struct {
	UserID               int64
	ExternalItemID       string
	EncryptedAccessToken string
}

// SyncFailure records the outcome of a failed pass on the item.
type SyncFailure struct {
	Kind      ErrorKind
	Message   string
	MarkError bool
}

// ExternalAccount is an account as reported by the aggregator.
type ExternalAccount struct {
	ExternalID       string
	Name             string
	OfficialName     *string
	Type             string
	Subtype          *string
	Mask             *string
	CurrentBalance   *decimal.Decimal
	AvailableBalance *decimal.Decimal
	Currency         string
}

// TxnEvent is one entry of a transaction delta. Implemented only by AddedTxn,
// ModifiedTxn and RemovedTxn.
type TxnEvent interface {
	ExternalID() string
	txnEvent()
}

// TxnRecord is the complete aggregator-owned state of a transaction.
type TxnRecord struct {
	ID                string
	ExternalAccountID string
	Amount            decimal.Decimal
	Currency          string
	Description       string
	MerchantName      *string
	Date              time.Time
	Pending           bool
	Category          *string
}

type AddedTxn struct{ TxnRecord }

type ModifiedTxn struct{ TxnRecord }

type RemovedTxn struct{ ID string }

func (t AddedTxn) ExternalID() string    { return t.ID }
func (t ModifiedTxn) ExternalID() string { return t.ID }
func (t RemovedTxn) ExternalID() string  { return t.ID }

func (AddedTxn) txnEvent()    {}
func (ModifiedTxn) txnEvent() {}
func (RemovedTxn) txnEvent()  {}

// SyncPage is one page of the aggregator's incremental transaction feed.
type SyncPage struct {
	Added      []AddedTxn
	Modified   []ModifiedTxn
	Removed    []RemovedTxn
	NextCursor string
	HasMore    bool
}

// SyncBatch accumulates pages into the final state per external id, in the
// order each id was first seen. A later event for the same id replaces the
// earlier one, except that a modification of a row added in the same window
// stays an add.
type SyncBatch struct {
	order  []string
	events map[string]TxnEvent
}

func NewSyncBatch() *SyncBatch {
	return &SyncBatch{events: make(map[string]TxnEvent)}
}

func (b *SyncBatch) AddPage(page *SyncPage) {
	for _, t := range page.Added {
		b.put(t)
	}
	for _, t := range page.Modified {
		if prev, ok := b.events[t.ID].(AddedTxn); ok {
			prev.TxnRecord = t.TxnRecord
			b.put(prev)
			continue
		}
		b.put(t)
	}
	for _, t := range page.Removed {
		b.put(t)
	}
}

func (b *SyncBatch) put(e TxnEvent) {
	id := e.ExternalID()
	if id == "" {
		return
	}
	if _, seen := b.events[id]; !seen {
		b.order = append(b.order, id)
	}
	b.events[id] = e
}

// Events returns the consolidated events in first-seen order.
func (b *SyncBatch) Events() []TxnEvent {
	out := make([]TxnEvent, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.events[id])
	}
	return out
}

// Split returns the consolidated events grouped by variant.
func (b *SyncBatch) Split() (added []AddedTxn, modified []ModifiedTxn, removed []RemovedTxn) {
	for _, e := range b.Events() {
		switch t := e.(type) {
		case AddedTxn:
			added = append(added, t)
		case ModifiedTxn:
			modified = append(modified, t)
		case RemovedTxn:
			removed = append(removed, t)
		}
	}
	return added, modified, removed
}

// Categorize fills the category of added transactions that have none.
func (b *SyncBatch) Categorize(categorize func(description string) *string) {
	for id, e := range b.events {
		added, ok := e.(AddedTxn)
		if !ok || added.Category != nil {
			continue
		}
		added.Category = categorize(added.Description)
		b.events[id] = added
	}
}

func (b *SyncBatch) Len() int { return len(b.order) }

// SyncResult summarizes one successful pass.
type SyncResult struct {
	ItemID         string `json:"itemId"`
	AccountsSynced int    `json:"accountsSynced"`
	Added          int    `json:"added"`
	Modified       int    `json:"modified"`
	Removed        int    `json:"removed"`
	Pages          int    `json:"-"`
}

// LinkSession is a short-lived token the client uses to open the aggregator's
// link flow.
type LinkSession struct {
	SessionToken string    `json:"sessionToken"`
	Expiry       time.Time `json:"expiry"`
}

// WebhookKey is a public JWK published by the aggregator for webhook signing.
type WebhookKey struct {
	KeyID     string
	Alg       string
	Crv       string
	Kty       string
	Use       string
	X         string
	Y         string
	CreatedAt time.Time
	ExpiredAt *time.Time
}

// Expired reports whether the aggregator has retired the key.
func (k *WebhookKey) Expired(now time.Time) bool {
	return k.ExpiredAt != nil && !k.ExpiredAt.After(now)
}

// PublicKey decodes the JWK into an ECDSA public key.
func (k *WebhookKey) PublicKey() (*ecdsa.PublicKey, error) {
	raw, err := json.Marshal(map[string]string{
		"kty": k.Kty,
		"crv": k.Crv,
		"x":   k.X,
		"y":   k.Y,
		"kid": k.KeyID,
		"alg": k.Alg,
		"use": k.Use,
	})
	if err != nil {
		return nil, err
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("invalid webhook key %s: %w", k.KeyID, err)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("webhook key %s is %T, want ECDSA public key", k.KeyID, jwk.Key)
	}
	return pub, nil
}
