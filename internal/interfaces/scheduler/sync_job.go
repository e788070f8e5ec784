package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
)

// ItemSyncer runs one sync pass for an item.
type ItemSyncer interface {
	SyncItem(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error)
}

// RetryPolicy configures the backoff of ItemSyncJob.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries uint64
}

var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:  2 * time.Second,
	MaxDelay:   2 * time.Minute,
	MaxRetries: 5,
}

func (p RetryPolicy) backoff() retry.Backoff {
	if p.BaseDelay <= 0 {
		p = DefaultRetryPolicy
	}
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithJitterPercent(10, b)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// ItemSyncJob runs a sync pass for one item, retrying transient failures and
// lease contention. Permanent and tampered failures are returned at once.
type ItemSyncJob struct {
	itemID string
	reason string
	syncer ItemSyncer
	policy RetryPolicy
	logger *slog.Logger
}

func NewItemSyncJob(itemID, reason string, syncer ItemSyncer, policy RetryPolicy, logger *slog.Logger) *ItemSyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ItemSyncJob{
		itemID: itemID,
		reason: reason,
		syncer: syncer,
		policy: policy,
		logger: logger,
	}
}

func (j *ItemSyncJob) Execute(ctx context.Context) error {
	attempt := 0
	err := retry.Do(ctx, j.policy.backoff(), func(ctx context.Context) error {
		attempt++
		result, err := j.syncer.SyncItem(ctx, banksync.SyncRequest{ItemID: j.itemID, Trigger: j.reason})
		if err == nil {
			j.logger.Info("item sync completed",
				"item_id", j.itemID,
				"reason", j.reason,
				"attempt", attempt,
				"added", result.Added,
				"modified", result.Modified,
				"removed", result.Removed)
			return nil
		}
		if banksync.Retryable(err) {
			j.logger.Warn("item sync failed, will retry",
				"item_id", j.itemID, "attempt", attempt, "kind", banksync.KindOf(err), "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, banksync.ErrItemInactive), errors.Is(err, banksync.ErrItemNotFound):
		j.logger.Info("skipping sync for unavailable item", "item_id", j.itemID, "error", err)
		return nil
	default:
		return fmt.Errorf("sync item %s after %d attempts: %w", j.itemID, attempt, err)
	}
}

func (j *ItemSyncJob) Subject() string { return j.itemID }

func (j *ItemSyncJob) Description() string {
	return fmt.Sprintf("Item sync (%s)", j.reason)
}

// BackfillJob categorizes stored transactions that have no category yet.
type BackfillJob struct {
	service *transaction.BackfillService
	logger  *slog.Logger
}

func NewBackfillJob(service *transaction.BackfillService, logger *slog.Logger) *BackfillJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillJob{service: service, logger: logger}
}

func (j *BackfillJob) Execute(ctx context.Context) error {
	result, err := j.service.Run(ctx)
	if err != nil {
		return fmt.Errorf("categorization backfill: %w", err)
	}
	if len(result.Errors) > 0 {
		j.logger.Warn("categorization backfill completed with errors",
			"scanned", result.Scanned, "categorized", result.Categorized, "errors", len(result.Errors))
		return nil
	}
	j.logger.Info("categorization backfill completed", "scanned", result.Scanned, "categorized", result.Categorized)
	return nil
}

func (j *BackfillJob) Subject() string { return "backfill" }

func (j *BackfillJob) Description() string { return "Categorization backfill" }
