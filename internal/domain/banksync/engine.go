package banksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ledgersync/internal/domain/transaction"
)

// DefaultMaxPages bounds one pass; a window larger than this is picked up by
// the next pass from the committed cursor.
const DefaultMaxPages = 500

// ErrTooManyPages aborts a pass whose feed never reports hasMore=false.
var ErrTooManyPages = errors.New("transaction feed exceeded page limit")

// Engine drives one synchronization pass for a linked item.
type Engine struct {
	aggregator Aggregator
	accounts   AccountRepository
	ledger     LedgerRepository
	categorize func(description string) *string
	maxPages   int
	logger     *slog.Logger
}

type EngineOption func(*Engine)

func WithCategorizer(c *transaction.Categorizer) EngineOption {
	return func(e *Engine) { e.categorize = c.Categorize }
}

func WithMaxPages(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxPages = n
		}
	}
}

func NewEngine(aggregator Aggregator, accounts AccountRepository, ledger LedgerRepository, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		aggregator: aggregator,
		accounts:   accounts,
		ledger:     ledger,
		categorize: transaction.Categorize,
		maxPages:   DefaultMaxPages,
		logger:     logger.With("component", "sync_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run fetches accounts, drains the transaction feed from fromCursor, and
// applies the consolidated batch together with the cursor advance. The stored
// cursor is expected to equal item.Cursor. When fromCursor differs from it the
// pass is a replay: the batch is applied but the stored cursor is kept, since
// the order of opaque cursors is unknown. On any error the stored cursor is
// unchanged.
func (e *Engine) Run(ctx context.Context, item *LinkedItem, accessToken string, fromCursor *string) (*SyncResult, error) {
	log := e.logger.With("item_id", item.ID)

	// 1. accounts
	accounts, err := e.aggregator.FetchAccounts(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}
	accountsSynced, err := e.accounts.UpsertExternal(ctx, item, accounts)
	if err != nil {
		return nil, &ReconciliationError{ItemID: item.ID, Err: fmt.Errorf("upsert accounts: %w", err)}
	}

	// 2. drain the feed
	batch := NewSyncBatch()
	cursor := fromCursor
	pages := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, &TransientAggregatorError{Op: "transactions_sync", Err: err}
		}
		if pages >= e.maxPages {
			return nil, &TransientAggregatorError{Op: "transactions_sync", Err: ErrTooManyPages}
		}

		page, err := e.aggregator.SyncTransactionsPage(ctx, accessToken, cursor)
		if err != nil {
			return nil, fmt.Errorf("sync transactions page %d: %w", pages+1, err)
		}
		pages++
		batch.AddPage(page)

		next := page.NextCursor
		cursor = &next
		if !page.HasMore {
			break
		}
	}

	// 3. categorize
	batch.Categorize(e.categorize)

	// 4 + 5. apply and commit cursor atomically
	replay := IsReplay(item, fromCursor)
	commit := cursor
	if replay {
		commit = nil
	}
	if err := e.ledger.ApplySyncBatch(ctx, item, batch, item.Cursor, commit); err != nil {
		return nil, &ReconciliationError{ItemID: item.ID, Err: err}
	}

	added, modified, removed := batch.Split()
	result := &SyncResult{
		ItemID:         item.ID,
		AccountsSynced: accountsSynced,
		Added:          len(added),
		Modified:       len(modified),
		Removed:        len(removed),
		Pages:          pages,
	}

	log.Info("sync pass applied",
		"accounts", result.AccountsSynced,
		"added", result.Added,
		"modified", result.Modified,
		"removed", result.Removed,
		"pages", pages,
		"replay", replay)

	return result, nil
}

// IsReplay reports whether a pass starting at fromCursor would not begin at
// the item's stored cursor.
func IsReplay(item *LinkedItem, fromCursor *string) bool {
	if fromCursor == nil || item.Cursor == nil {
		return fromCursor != item.Cursor
	}
	return *fromCursor != *item.Cursor
}
