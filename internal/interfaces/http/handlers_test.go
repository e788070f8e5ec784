package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"ledgersync/internal/domain/banksync"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/shared/middleware"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// withUser runs the request through the identity middleware the router uses.
func withUser(h http.HandlerFunc, userID int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set(middleware.UserIDHeader, strconv.FormatInt(userID, 10))
		middleware.Identity(h).ServeHTTP(w, r)
	})
}

// MockLinkService implements LinkService for testing
type MockLinkService struct {
	CreateLinkSessionFunc func(ctx context.Context, userID int64) (*banksync.LinkSession, error)
	LinkFunc              func(ctx context.Context, userID int64, publicToken string) (*banksync.LinkedItem, error)
	GetItemFunc           func(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error)
	DeactivateFunc        func(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error)
}

var _ LinkService = (*MockLinkService)(nil)

func (m *MockLinkService) CreateLinkSession(ctx context.Context, userID int64) (*banksync.LinkSession, error) {
	if m.CreateLinkSessionFunc != nil {
		return m.CreateLinkSessionFunc(ctx, userID)
	}
	return &banksync.LinkSession{}, nil
}

func (m *MockLinkService) Link(ctx context.Context, userID int64, publicToken string) (*banksync.LinkedItem, error) {
	if m.LinkFunc != nil {
		return m.LinkFunc(ctx, userID, publicToken)
	}
	return &banksync.LinkedItem{}, nil
}

func (m *MockLinkService) GetItem(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error) {
	if m.GetItemFunc != nil {
		return m.GetItemFunc(ctx, userID, itemID)
	}
	return nil, banksync.ErrItemNotFound
}

func (m *MockLinkService) Deactivate(ctx context.Context, userID int64, itemID string) (*banksync.LinkedItem, error) {
	if m.DeactivateFunc != nil {
		return m.DeactivateFunc(ctx, userID, itemID)
	}
	return nil, banksync.ErrItemNotFound
}

// MockSyncer implements ManualSyncer for testing
type MockSyncer struct {
	SyncNowFunc func(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error)
}

func (m *MockSyncer) SyncNow(ctx context.Context, req banksync.SyncRequest) (*banksync.SyncResult, error) {
	if m.SyncNowFunc != nil {
		return m.SyncNowFunc(ctx, req)
	}
	return &banksync.SyncResult{}, nil
}

// MockIngestor implements WebhookIngestor for testing
type MockIngestor struct {
	HandleFunc func(ctx context.Context, signedJWT string, body []byte) (banksync.WebhookOutcome, error)
}

func (m *MockIngestor) Handle(ctx context.Context, signedJWT string, body []byte) (banksync.WebhookOutcome, error) {
	if m.HandleFunc != nil {
		return m.HandleFunc(ctx, signedJWT, body)
	}
	return banksync.WebhookOutcome{State: banksync.WebhookDispatched}, nil
}

// MockImporter implements Importer for testing
type MockImporter struct {
	ImportFunc func(ctx context.Context, userID int64, items []transaction.ImportItem) (*transaction.ImportResult, error)
}

func (m *MockImporter) Import(ctx context.Context, userID int64, items []transaction.ImportItem) (*transaction.ImportResult, error) {
	if m.ImportFunc != nil {
		return m.ImportFunc(ctx, userID, items)
	}
	return &transaction.ImportResult{Total: len(items), Imported: len(items)}, nil
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }
