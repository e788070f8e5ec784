package plaid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/plaid/plaid-go/v20/plaid"
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultPageSize   = 500 // transactions/sync max count
	defaultClientName = "Ledgersync"
	defaultLanguage   = "en"
	defaultCurrency   = "USD"
)

// Config holds Plaid API configuration.
type Config struct {
	ClientID     string
	Secret       string
	Environment  string // sandbox or production
	BaseURL      string // overrides Environment when set
	WebhookURL   string
	ClientName   string
	CountryCodes []string
	Language     string
	Timeout      time.Duration
	PageSize     int32
}

// Validate ensures all required fields are present.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("plaid client ID is required")
	}
	if c.Secret == "" {
		return fmt.Errorf("plaid secret is required")
	}
	if c.BaseURL != "" {
		return nil
	}
	switch c.Environment {
	case "sandbox", "production":
		return nil
	case "":
		return fmt.Errorf("plaid environment is required")
	default:
		return fmt.Errorf("invalid Plaid environment: must be sandbox or production")
	}
}

// Client is the aggregator client backed by the Plaid API.
type Client struct {
	api          *plaid.APIClient
	webhookURL   string
	clientName   string
	countryCodes []plaid.CountryCode
	language     string
	timeout      time.Duration
	pageSize     int32
	logger       *slog.Logger
}

var _ banksync.Aggregator = (*Client)(nil)

// NewClient creates a new Plaid client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", cfg.ClientID)
	configuration.AddDefaultHeader("PLAID-SECRET", cfg.Secret)

	switch {
	case cfg.BaseURL != "":
		configuration.UseEnvironment(plaid.Environment(strings.TrimSuffix(cfg.BaseURL, "/")))
	case cfg.Environment == "production":
		configuration.UseEnvironment(plaid.Production)
	default:
		configuration.UseEnvironment(plaid.Sandbox)
	}

	c := &Client{
		api:        plaid.NewAPIClient(configuration),
		webhookURL: cfg.WebhookURL,
		clientName: cfg.ClientName,
		language:   cfg.Language,
		timeout:    cfg.Timeout,
		pageSize:   cfg.PageSize,
		logger:     logger.With("component", "plaid"),
	}
	if c.clientName == "" {
		c.clientName = defaultClientName
	}
	if c.language == "" {
		c.language = defaultLanguage
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.pageSize <= 0 || c.pageSize > defaultPageSize {
		c.pageSize = defaultPageSize
	}
	for _, code := range cfg.CountryCodes {
		c.countryCodes = append(c.countryCodes, plaid.CountryCode(strings.ToUpper(strings.TrimSpace(code))))
	}
	if len(c.countryCodes) == 0 {
		c.countryCodes = []plaid.CountryCode{plaid.COUNTRYCODE_US}
	}
	return c, nil
}

// CreateLinkToken creates a Link token scoped to one user and the transactions product.
func (c *Client) CreateLinkToken(ctx context.Context, userID int64) (*banksync.LinkSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := plaid.LinkTokenCreateRequestUser{
		ClientUserId: fmt.Sprintf("%d", userID),
	}
	request := plaid.NewLinkTokenCreateRequest(c.clientName, c.language, c.countryCodes, user)
	request.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})
	if c.webhookURL != "" {
		request.SetWebhook(c.webhookURL)
	}

	resp, httpResp, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return nil, classify("link_token_create", err, httpResp)
	}

	return &banksync.LinkSession{
		SessionToken: resp.GetLinkToken(),
		Expiry:       resp.GetExpiration(),
	}, nil
}

// ExchangePublicToken exchanges a public token from Link for an access token.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)
	resp, httpResp, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err != nil {
		return "", "", classify("item_public_token_exchange", err, httpResp)
	}

	return resp.GetAccessToken(), resp.GetItemId(), nil
}

// FetchAccounts returns the accounts attached to the item.
func (c *Client) FetchAccounts(ctx context.Context, accessToken string) ([]banksync.ExternalAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := plaid.NewAccountsGetRequest(accessToken)
	resp, httpResp, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, classify("accounts_get", err, httpResp)
	}

	accounts := make([]banksync.ExternalAccount, 0, len(resp.GetAccounts()))
	for _, a := range resp.GetAccounts() {
		accounts = append(accounts, mapAccount(a))
	}

	c.logger.Debug("fetched accounts", "count", len(accounts))
	return accounts, nil
}

// SyncTransactionsPage fetches one page of the incremental transaction feed.
func (c *Client) SyncTransactionsPage(ctx context.Context, accessToken string, cursor *string) (*banksync.SyncPage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := plaid.NewTransactionsSyncRequest(accessToken)
	if cursor != nil && *cursor != "" {
		request.SetCursor(*cursor)
	}
	request.SetCount(c.pageSize)

	resp, httpResp, err := c.api.PlaidApi.TransactionsSync(ctx).TransactionsSyncRequest(*request).Execute()
	if err != nil {
		return nil, classify("transactions_sync", err, httpResp)
	}

	page := &banksync.SyncPage{
		NextCursor: resp.GetNextCursor(),
		HasMore:    resp.GetHasMore(),
	}
	for _, pt := range resp.GetAdded() {
		r, err := mapTransaction(pt)
		if err != nil {
			return nil, err
		}
		page.Added = append(page.Added, banksync.AddedTxn{TxnRecord: r})
	}
	for _, pt := range resp.GetModified() {
		r, err := mapTransaction(pt)
		if err != nil {
			return nil, err
		}
		page.Modified = append(page.Modified, banksync.ModifiedTxn{TxnRecord: r})
	}
	for _, rt := range resp.GetRemoved() {
		page.Removed = append(page.Removed, banksync.RemovedTxn{ID: rt.GetTransactionId()})
	}

	c.logger.Debug("fetched transactions page",
		"added", len(page.Added),
		"modified", len(page.Modified),
		"removed", len(page.Removed),
		"has_more", page.HasMore)
	return page, nil
}

// FetchWebhookVerificationKey returns the public JWK for a webhook key id.
func (c *Client) FetchWebhookVerificationKey(ctx context.Context, keyID string) (*banksync.WebhookKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := plaid.NewWebhookVerificationKeyGetRequest(keyID)
	resp, httpResp, err := c.api.PlaidApi.WebhookVerificationKeyGet(ctx).WebhookVerificationKeyGetRequest(*request).Execute()
	if err != nil {
		return nil, classify("webhook_verification_key_get", err, httpResp)
	}

	jwk := resp.GetKey()
	key := &banksync.WebhookKey{
		KeyID:     jwk.GetKid(),
		Alg:       jwk.GetAlg(),
		Crv:       jwk.GetCrv(),
		Kty:       jwk.GetKty(),
		Use:       jwk.GetUse(),
		X:         jwk.GetX(),
		Y:         jwk.GetY(),
		CreatedAt: time.Unix(int64(jwk.GetCreatedAt()), 0).UTC(),
	}
	if expired, ok := jwk.GetExpiredAtOk(); ok && expired != nil && *expired > 0 {
		t := time.Unix(int64(*expired), 0).UTC()
		key.ExpiredAt = &t
	}
	return key, nil
}

func mapAccount(a plaid.AccountBase) banksync.ExternalAccount {
	balances := a.GetBalances()
	account := banksync.ExternalAccount{
		ExternalID: a.GetAccountId(),
		Name:       a.GetName(),
		Type:       string(a.GetType()),
		Currency:   balances.GetIsoCurrencyCode(),
	}
	if account.Currency == "" {
		account.Currency = defaultCurrency
	}
	if v := a.GetOfficialName(); v != "" {
		account.OfficialName = &v
	}
	if v := string(a.GetSubtype()); v != "" {
		account.Subtype = &v
	}
	if v := a.GetMask(); v != "" {
		account.Mask = &v
	}
	if v, ok := balances.GetCurrentOk(); ok && v != nil {
		d := decimal.NewFromFloat(*v)
		account.CurrentBalance = &d
	}
	if v, ok := balances.GetAvailableOk(); ok && v != nil {
		d := decimal.NewFromFloat(*v)
		account.AvailableBalance = &d
	}
	return account
}

func mapTransaction(pt plaid.Transaction) (banksync.TxnRecord, error) {
	date, err := time.Parse(transaction.DateLayout, pt.GetDate())
	if err != nil {
		return banksync.TxnRecord{}, &banksync.PermanentAggregatorError{
			Op:   "transactions_sync",
			Code: "INVALID_RESULT",
			Err:  fmt.Errorf("transaction %s has invalid date %q: %w", pt.GetTransactionId(), pt.GetDate(), err),
		}
	}

	r := banksync.TxnRecord{
		ID:                pt.GetTransactionId(),
		ExternalAccountID: pt.GetAccountId(),
		Amount:            decimal.NewFromFloat(pt.GetAmount()),
		Currency:          pt.GetIsoCurrencyCode(),
		Description:       pt.GetName(),
		Date:              date,
		Pending:           pt.GetPending(),
	}
	if r.Currency == "" {
		r.Currency = pt.GetUnofficialCurrencyCode()
	}
	if r.Currency == "" {
		r.Currency = defaultCurrency
	}
	if m := pt.GetMerchantName(); m != "" {
		r.MerchantName = &m
		if r.Description == "" {
			r.Description = m
		}
	}
	if pfc, ok := pt.GetPersonalFinanceCategoryOk(); ok && pfc != nil {
		r.Category = transaction.TranslateProviderCategory(pfc.GetPrimary())
	}
	return r, nil
}

// statusOf returns the HTTP status of a failed call, or 0 when no response arrived.
func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
