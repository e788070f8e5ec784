package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"ledgersync/internal/domain/banksync"
)

// MockSyncer is a mock implementation of ItemSyncer
type MockSyncer struct {
	SyncItemFunc func(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error)
	calls        atomic.Int32
}

func (m *MockSyncer) SyncItem(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error) {
	m.calls.Add(1)
	if m.SyncItemFunc != nil {
		return m.SyncItemFunc(ctx, req)
	}
	return &banksync.SyncResult{ItemID: req.ItemID}, nil
}

type funcJob struct {
	subject string
	fn      func(ctx context.Context) error
}

func (j *funcJob) Execute(ctx context.Context) error { return j.fn(ctx) }
func (j *funcJob) Subject() string                   { return j.subject }
func (j *funcJob) Description() string               { return "test job " + j.subject }

// MockItemRepository implements the parts of banksync.ItemRepository the
// scheduler uses.
type MockItemRepository struct {
	banksync.ItemRepository
	ListActiveIDsFunc func(ctx context.Context) ([]string, error)
}

func (m *MockItemRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	return m.ListActiveIDsFunc(ctx)
}

type subjectRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *subjectRecorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, s)
}

func (r *subjectRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}
