package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ledgersync/internal/domain/banksync"
)

// DefaultManualSyncTimeout bounds a shared manual pass once no caller is left waiting on it.
const DefaultManualSyncTimeout = 2 * time.Minute

// Dispatcher hands sync passes to the worker pool and runs manual passes
// inline. Concurrent manual requests for the same item share one pass.
type Dispatcher struct {
	pool          *WorkerPool
	syncer        ItemSyncer
	policy        RetryPolicy
	group         singleflight.Group
	manualTimeout time.Duration
	logger        *slog.Logger
}

var _ banksync.SyncTrigger = (*Dispatcher)(nil)

func NewDispatcher(pool *WorkerPool, syncer ItemSyncer, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pool:          pool,
		syncer:        syncer,
		policy:        policy,
		manualTimeout: DefaultManualSyncTimeout,
		logger:        logger.With("component", "dispatcher"),
	}
}

// Enqueue queues a background sync for the item and returns immediately.
func (d *Dispatcher) Enqueue(ctx context.Context, itemID string, reason string) error {
	if err := d.pool.Submit(d.NewJob(itemID, reason)); err != nil {
		return fmt.Errorf("enqueue sync for item %s: %w", itemID, err)
	}
	d.logger.Debug("sync enqueued", "item_id", itemID, "reason", reason)
	return nil
}

// NewJob builds the background job for one item.
func (d *Dispatcher) NewJob(itemID, reason string) *ItemSyncJob {
	return NewItemSyncJob(itemID, reason, d.syncer, d.policy, d.logger)
}

// SyncNow runs a pass without retries and waits for it. The pass is detached
// from ctx, so one caller going away does not fail the others sharing it;
// each caller stops waiting when its own ctx is done.
func (d *Dispatcher) SyncNow(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error) {
	key := fmt.Sprintf("%s|%d", req.ItemID, req.UserID)
	if req.Cursor != nil {
		key += "|" + *req.Cursor
	}

	ch := d.group.DoChan(key, func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.manualTimeout)
		defer cancel()
		return d.syncer.SyncItem(passCtx, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("manual sync shared an in-flight pass", "item_id", req.ItemID)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		result := *res.Val.(*banksync.SyncResult)
		return &result, nil
	}
}

// ActiveItemJobs returns a job provider that syncs every active item.
func ActiveItemJobs(items banksync.ItemRepository, d *Dispatcher) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		ids, err := items.ListActiveIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active items: %w", err)
		}
		jobs := make([]Job, 0, len(ids))
		for _, id := range ids {
			jobs = append(jobs, d.NewJob(id, "scheduled"))
		}
		return jobs, nil
	}
}
