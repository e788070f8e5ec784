package banksync

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWebhookMaxAge = 5 * time.Minute
	DefaultKeyCacheTTL   = 24 * time.Hour
	// DefaultKeyMissTTL is how long a key id the aggregator rejected stays rejected.
	DefaultKeyMissTTL = time.Minute

	maxKeyCacheMisses = 1024

	webhookAlg = "ES256"
)

var ErrMalformedWebhook = errors.New("malformed webhook payload")

type WebhookState string

const (
	WebhookReceived   WebhookState = "RECEIVED"
	WebhookVerified   WebhookState = "VERIFIED"
	WebhookDispatched WebhookState = "DISPATCHED"
	WebhookRejected   WebhookState = "REJECTED"
)

// Actions taken for a verified webhook
const (
	ActionSyncEnqueued = "sync_enqueued"
	ActionItemError    = "item_error"
	ActionReactivated  = "reactivated"
	ActionIgnored      = "ignored"
)

// WebhookOutcome is the terminal state of one delivery.
type WebhookOutcome struct {
	State       WebhookState
	WebhookType string
	WebhookCode string
	ItemID      string
	Action      string
}

type webhookPayload struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
	Error       *struct {
		ErrorType    string `json:"error_type"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"error"`
}

type webhookClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

var transactionUpdateCodes = map[string]bool{
	"SYNC_UPDATES_AVAILABLE": true,
	"DEFAULT_UPDATE":         true,
	"INITIAL_UPDATE":         true,
	"HISTORICAL_UPDATE":      true,
	"TRANSACTIONS_REMOVED":   true,
}

var itemErrorCodes = map[string]bool{
	"ERROR":                   true,
	"PENDING_EXPIRATION":      true,
	"USER_PERMISSION_REVOKED": true,
}

// KeyCache caches aggregator webhook verification keys by key id. Key ids the
// aggregator rejects are remembered for missTTL so forged deliveries with
// random ids do not each cost an outbound call.
type KeyCache struct {
	aggregator Aggregator
	ttl        time.Duration
	missTTL    time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]keyCacheEntry
	misses  map[string]keyCacheMiss
	group   singleflight.Group
}

type keyCacheMiss struct {
	err       error
	fetchedAt time.Time
}

type keyCacheEntry struct {
	key       *WebhookKey
	fetchedAt time.Time
}

func NewKeyCache(aggregator Aggregator, ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyCache{
		aggregator: aggregator,
		ttl:        ttl,
		missTTL:    DefaultKeyMissTTL,
		now:        time.Now,
		entries:    make(map[string]keyCacheEntry),
		misses:     make(map[string]keyCacheMiss),
	}
}

// Get returns the key for kid, fetching it when absent, stale or expired.
func (c *KeyCache) Get(ctx context.Context, kid string) (*WebhookKey, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[kid]
	miss, missed := c.misses[kid]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl && !entry.key.Expired(now) {
		return entry.key, nil
	}
	if missed && now.Sub(miss.fetchedAt) < c.missTTL {
		return nil, miss.err
	}

	v, err, _ := c.group.Do(kid, func() (any, error) {
		key, err := c.aggregator.FetchWebhookVerificationKey(ctx, kid)
		if err != nil {
			// transient failures are retried on the next delivery
			if KindOf(err) == KindPermanentAggregator {
				c.rememberMiss(kid, err)
			}
			return nil, err
		}
		c.mu.Lock()
		c.entries[kid] = keyCacheEntry{key: key, fetchedAt: c.now()}
		delete(c.misses, kid)
		c.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WebhookKey), nil
}

func (c *KeyCache) rememberMiss(kid string, err error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.misses) >= maxKeyCacheMisses {
		for k, m := range c.misses {
			if now.Sub(m.fetchedAt) >= c.missTTL {
				delete(c.misses, k)
			}
		}
		if len(c.misses) >= maxKeyCacheMisses {
			clear(c.misses)
		}
	}
	c.misses[kid] = keyCacheMiss{err: err, fetchedAt: now}
}

// Ingestor verifies inbound webhooks and dispatches the verified ones.
type Ingestor struct {
	keys    *KeyCache
	items   ItemRepository
	trigger SyncTrigger
	maxAge  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewIngestor(keys *KeyCache, items ItemRepository, trigger SyncTrigger, maxAge time.Duration, logger *slog.Logger) *Ingestor {
	if maxAge <= 0 {
		maxAge = DefaultWebhookMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		keys:    keys,
		items:   items,
		trigger: trigger,
		maxAge:  maxAge,
		now:     time.Now,
		logger:  logger.With("component", "webhook"),
	}
}

// Handle verifies signedJWT against body and, only on success, acts on the
// event. A transient key fetch failure is returned unwrapped so the caller can
// ask the aggregator to redeliver. Dispatch failures are logged, never returned.
func (in *Ingestor) Handle(ctx context.Context, signedJWT string, body []byte) (WebhookOutcome, error) {
	outcome := WebhookOutcome{State: WebhookReceived}

	if err := in.verify(ctx, signedJWT, body); err != nil {
		outcome.State = WebhookRejected
		in.logger.Warn("webhook rejected", "kind", KindOf(err), "error", err)
		return outcome, err
	}
	outcome.State = WebhookVerified

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		outcome.State = WebhookRejected
		return outcome, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	outcome.WebhookType = payload.WebhookType
	outcome.WebhookCode = payload.WebhookCode

	outcome.Action, outcome.ItemID = in.dispatch(ctx, &payload)
	outcome.State = WebhookDispatched
	return outcome, nil
}

func (in *Ingestor) verify(ctx context.Context, signedJWT string, body []byte) error {
	if signedJWT == "" {
		return &WebhookVerificationError{Reason: "missing verification header"}
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(signedJWT, &webhookClaims{})
	if err != nil {
		return &WebhookVerificationError{Reason: "malformed token", Err: err}
	}
	if alg, _ := unverified.Header["alg"].(string); alg != webhookAlg {
		return &WebhookVerificationError{Reason: fmt.Sprintf("unexpected alg %q", alg)}
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return &WebhookVerificationError{Reason: "missing key id"}
	}

	key, err := in.keys.Get(ctx, kid)
	if err != nil {
		var transient *TransientAggregatorError
		if errors.As(err, &transient) {
			return err
		}
		return &WebhookVerificationError{Reason: "unknown key id " + kid, Err: err}
	}
	if key.Expired(in.now()) {
		return &WebhookVerificationError{Reason: "key " + kid + " expired"}
	}
	pub, err := key.PublicKey()
	if err != nil {
		return &WebhookVerificationError{Reason: "unusable key", Err: err}
	}

	claims := &webhookClaims{}
	_, err = jwt.ParseWithClaims(signedJWT, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{webhookAlg}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(in.now),
	)
	if err != nil {
		return &WebhookVerificationError{Reason: "invalid signature or claims", Err: err}
	}

	if claims.IssuedAt == nil {
		return &WebhookVerificationError{Reason: "missing iat"}
	}
	if age := in.now().Sub(claims.IssuedAt.Time); age > in.maxAge {
		return &WebhookVerificationError{Reason: fmt.Sprintf("token too old (%s)", age.Truncate(time.Second))}
	}

	sum := sha256.Sum256(body)
	want := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.RequestBodySHA256)) != 1 {
		return &WebhookVerificationError{Reason: "body hash mismatch"}
	}
	return nil
}

func (in *Ingestor) dispatch(ctx context.Context, p *webhookPayload) (action, itemID string) {
	log := in.logger.With("webhook_type", p.WebhookType, "webhook_code", p.WebhookCode)

	isTxnUpdate := p.WebhookType == "TRANSACTIONS" && transactionUpdateCodes[p.WebhookCode]
	isItemError := p.WebhookType == "ITEM" && itemErrorCodes[p.WebhookCode]
	isRepaired := p.WebhookType == "ITEM" && p.WebhookCode == "LOGIN_REPAIRED"

	if !isTxnUpdate && !isItemError && !isRepaired {
		log.Info("webhook acknowledged without action")
		return ActionIgnored, ""
	}

	item, err := in.items.GetByExternalItemID(ctx, p.ItemID)
	if err != nil {
		log.Warn("webhook for unknown item", "external_item_id", p.ItemID, "error", err)
		return ActionIgnored, ""
	}
	log = log.With("item_id", item.ID)

	switch {
	case isTxnUpdate:
		if item.Status == ItemStatusInactive {
			log.Info("webhook for inactive item ignored")
			return ActionIgnored, item.ID
		}
		if err := in.trigger.Enqueue(ctx, item.ID, "webhook:"+p.WebhookCode); err != nil {
			log.Error("failed to enqueue sync", "error", err)
		}
		return ActionSyncEnqueued, item.ID

	case isItemError:
		msg := p.WebhookCode
		if p.Error != nil {
			msg = fmt.Sprintf("%s: %s (%s)", p.WebhookCode, p.Error.ErrorCode, p.Error.ErrorMessage)
		}
		failure := SyncFailure{Kind: KindPermanentAggregator, Message: msg, MarkError: true}
		if err := in.items.RecordFailure(ctx, item.ID, failure); err != nil {
			log.Error("failed to mark item as errored", "error", err)
		}
		return ActionItemError, item.ID

	default:
		if item.Status == ItemStatusInactive {
			return ActionIgnored, item.ID
		}
		if err := in.items.SetStatus(ctx, item.ID, ItemStatusActive); err != nil {
			log.Error("failed to reactivate item", "error", err)
		}
		if err := in.trigger.Enqueue(ctx, item.ID, "webhook:"+p.WebhookCode); err != nil {
			log.Error("failed to enqueue sync", "error", err)
		}
		return ActionReactivated, item.ID
	}
}
