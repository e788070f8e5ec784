package banksync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultLeaseTTL must exceed the longest expected pass.
const DefaultLeaseTTL = 10 * time.Minute

var (
	syncMeter       = otel.Meter("ledgersync/banksync")
	syncPasses, _   = syncMeter.Int64Counter("banksync.sync.passes", metric.WithDescription("Sync passes by outcome"))
	syncDuration, _ = syncMeter.Float64Histogram("banksync.sync.duration", metric.WithDescription("Sync pass duration in seconds"), metric.WithUnit("s"))
	syncRecords, _  = syncMeter.Int64Counter("banksync.sync.records", metric.WithDescription("Transactions applied by change type"))
)

// SyncRequest selects what a pass should do.
type SyncRequest struct {
	ItemID string
	// UserID, when non-zero, must own the item.
	UserID int64
	// Cursor overrides the stored cursor as the starting point of the fetch.
	// A pass from a different cursor never moves the stored one.
	Cursor  *string
	Trigger string
}

// Worker runs a sync pass for one item under its database lease.
type Worker struct {
	items    ItemRepository
	vault    Vault
	engine   *Engine
	leaseTTL time.Duration
	newOwner func() string
	logger   *slog.Logger
}

func NewWorker(items ItemRepository, vault Vault, engine *Engine, leaseTTL time.Duration, logger *slog.Logger) *Worker {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		items:    items,
		vault:    vault,
		engine:   engine,
		leaseTTL: leaseTTL,
		newOwner: uuid.NewString,
		logger:   logger.With("component", "sync_worker"),
	}
}

// SyncItem acquires the item's lease, decrypts its token and runs one pass.
// Failures are recorded on the item before being returned.
func (w *Worker) SyncItem(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	start := time.Now()
	log := w.logger.With("item_id", req.ItemID, "trigger", req.Trigger)

	if req.UserID != 0 {
		item, err := w.items.GetByID(ctx, req.ItemID)
		if err != nil {
			return nil, err
		}
		if item.UserID != req.UserID {
			return nil, ErrItemNotFound
		}
	}

	owner := w.newOwner()
	item, err := w.items.AcquireSyncLease(ctx, req.ItemID, owner, w.leaseTTL)
	if err != nil {
		w.record(ctx, req.Trigger, err, start)
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.items.ReleaseSyncLease(releaseCtx, item.ID, owner); err != nil {
			log.Error("failed to release sync lease", "error", err)
		}
	}()

	result, err := w.run(ctx, item, req)
	w.record(ctx, req.Trigger, err, start)
	if err != nil {
		w.recordFailure(ctx, item, err, req.Cursor != nil && IsReplay(item, req.Cursor))
		log.Warn("sync pass failed", "kind", KindOf(err), "error", err)
		return nil, err
	}

	syncRecords.Add(ctx, int64(result.Added), metric.WithAttributes(attribute.String("change", "added")))
	syncRecords.Add(ctx, int64(result.Modified), metric.WithAttributes(attribute.String("change", "modified")))
	syncRecords.Add(ctx, int64(result.Removed), metric.WithAttributes(attribute.String("change", "removed")))
	return result, nil
}

func (w *Worker) run(ctx context.Context, item *LinkedItem, req SyncRequest) (*SyncResult, error) {
	accessToken, err := w.vault.Decrypt(item.EncryptedAccessToken)
	if err != nil {
		var tampered *CredentialTamperedError
		if !errors.As(err, &tampered) {
			err = &CredentialTamperedError{Err: err}
		}
		return nil, err
	}

	if w.vault.NeedsRotation(item.EncryptedAccessToken) {
		w.rotate(ctx, item, accessToken)
	}

	from := item.Cursor
	if req.Cursor != nil {
		from = req.Cursor
	}
	return w.engine.Run(ctx, item, accessToken, from)
}

// rotate re-seals the token under the primary key. Failure is not fatal for the pass.
func (w *Worker) rotate(ctx context.Context, item *LinkedItem, accessToken string) {
	sealed, err := w.vault.Encrypt(accessToken)
	if err == nil {
		err = w.items.UpdateAccessToken(ctx, item.ID, sealed)
	}
	if err != nil {
		w.logger.Warn("access token rotation failed", "item_id", item.ID, "error", err)
		return
	}
	item.EncryptedAccessToken = sealed
	w.logger.Info("access token re-encrypted under primary key", "item_id", item.ID)
}

// recordFailure stores the failure on the item. An aggregator rejection during
// a replay is blamed on the caller's cursor and does not mark the item errored.
func (w *Worker) recordFailure(ctx context.Context, item *LinkedItem, err error, replay bool) {
	failure := SyncFailure{
		Kind:      KindOf(err),
		Message:   err.Error(),
		MarkError: Fatal(err) && !(replay && KindOf(err) == KindPermanentAggregator),
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := w.items.RecordFailure(recordCtx, item.ID, failure); rerr != nil {
		w.logger.Error("failed to record sync failure", "item_id", item.ID, "error", rerr)
	}
}

func (w *Worker) record(ctx context.Context, trigger string, err error, start time.Time) {
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("trigger", trigger))
	syncPasses.Add(ctx, 1, attrs)
	syncDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
