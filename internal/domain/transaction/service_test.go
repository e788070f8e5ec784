package transaction

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockTransactionRepo struct {
	ListRecentByUserIDFunc func(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	OwnedAccountIDsFunc    func(ctx context.Context, userID int64, accountIDs []string) ([]string, error)
	CreateBatchFunc        func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error)
	ListUncategorizedFunc  func(ctx context.Context, afterID string, limit int) ([]*Transaction, error)
	SetCategoryFunc        func(ctx context.Context, id string, category string) (bool, error)
}

func (m *MockTransactionRepo) ListRecentByUserID(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	if m.ListRecentByUserIDFunc != nil {
		return m.ListRecentByUserIDFunc(ctx, userID, limit)
	}
	return nil, nil
}
func (m *MockTransactionRepo) OwnedAccountIDs(ctx context.Context, userID int64, accountIDs []string) ([]string, error) {
	if m.OwnedAccountIDsFunc != nil {
		return m.OwnedAccountIDsFunc(ctx, userID, accountIDs)
	}
	return accountIDs, nil
}
func (m *MockTransactionRepo) CreateBatch(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
	if m.CreateBatchFunc != nil {
		return m.CreateBatchFunc(ctx, params)
	}
	out := make([]*Transaction, len(params))
	for i := range params {
		out[i] = &Transaction{ID: fmt.Sprintf("new-%d", i)}
	}
	return out, nil
}
func (m *MockTransactionRepo) ListUncategorized(ctx context.Context, afterID string, limit int) ([]*Transaction, error) {
	if m.ListUncategorizedFunc != nil {
		return m.ListUncategorizedFunc(ctx, afterID, limit)
	}
	return nil, nil
}
func (m *MockTransactionRepo) SetCategory(ctx context.Context, id string, category string) (bool, error) {
	if m.SetCategoryFunc != nil {
		return m.SetCategoryFunc(ctx, id, category)
	}
	return true, nil
}

func importItem(t *testing.T, amount, date, desc string) ImportItem {
	d, err := ParseDate(date)
	require.NoError(t, err)
	return ImportItem{Amount: decimal.RequireFromString(amount), Date: d, Description: desc}
}

func TestImportService_SkipsDuplicatesAndCategorizes(t *testing.T) {
	var inserted []CreateTransactionParams
	repo := &MockTransactionRepo{
		ListRecentByUserIDFunc: func(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
			assert.Equal(t, int64(7), userID)
			assert.Equal(t, DuplicateHistoryLimit, limit)
			return []*Transaction{existingTxn(t, "h1", "50.00", "2026-02-26", "Grocery Store")}, nil
		},
		CreateBatchFunc: func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
			inserted = params
			return make([]*Transaction, len(params)), nil
		},
	}

	svc := NewImportService(repo, nil, nil)
	result, err := svc.Import(context.Background(), 7, []ImportItem{
		importItem(t, "50.00", "2026-02-27", "Grocery Store"),
		importItem(t, "4.75", "2026-03-01", "Starbucks Coffee"),
		importItem(t, "4.75", "2026-03-01", "starbucks"),
		importItem(t, "120.00", "2026-03-02", "Generic Store 123"),
	})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 2, result.Imported)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, result.Duplicates, 2)

	require.Len(t, inserted, 2)
	require.NotNil(t, inserted[0].Category)
	assert.Equal(t, CategoryFood, *inserted[0].Category)
	assert.Equal(t, DefaultCurrency, inserted[0].Currency)
	assert.Nil(t, inserted[1].Category)
	assert.Equal(t, int64(7), inserted[1].UserID)
}

func TestImportService_KeepsExplicitCategory(t *testing.T) {
	var inserted []CreateTransactionParams
	repo := &MockTransactionRepo{
		CreateBatchFunc: func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
			inserted = params
			return make([]*Transaction, len(params)), nil
		},
	}

	item := importItem(t, "9.99", "2026-03-03", "Netflix")
	custom := "subscriptions"
	item.Category = &custom
	item.Currency = "eur"

	_, err := NewImportService(repo, nil, nil).Import(context.Background(), 1, []ImportItem{item})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "subscriptions", *inserted[0].Category)
	assert.Equal(t, "EUR", inserted[0].Currency)
}

func TestImportService_AllDuplicatesSkipsInsert(t *testing.T) {
	repo := &MockTransactionRepo{
		ListRecentByUserIDFunc: func(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
			return []*Transaction{existingTxn(t, "h1", "50.00", "2026-02-26", "Grocery Store")}, nil
		},
		CreateBatchFunc: func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
			t.Fatal("CreateBatch should not be called")
			return nil, nil
		},
	}

	result, err := NewImportService(repo, nil, nil).Import(context.Background(), 1, []ImportItem{
		importItem(t, "50.00", "2026-02-26", "Grocery Store"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Skipped)
}

func TestImportService_Errors(t *testing.T) {
	_, err := NewImportService(&MockTransactionRepo{}, nil, nil).Import(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrEmptyImport)

	dbErr := errors.New("connection refused")
	repo := &MockTransactionRepo{
		CreateBatchFunc: func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
			return nil, dbErr
		},
	}
	_, err = NewImportService(repo, nil, nil).Import(context.Background(), 1, []ImportItem{importItem(t, "1.00", "2026-01-01", "x")})
	assert.ErrorIs(t, err, dbErr)
}

func TestBackfillService_Run(t *testing.T) {
	pages := map[string][]*Transaction{
		"":  {{ID: "a", Description: "Uber Trip"}, {ID: "b", Description: "Unknown vendor"}},
		"b": {{ID: "c", Description: "CVS pharmacy"}, {ID: "d", Description: "Amazon"}},
		"d": {{ID: "e", Description: "Shell gas"}},
		"e": {},
	}
	written := map[string]string{}

	repo := &MockTransactionRepo{
		ListUncategorizedFunc: func(ctx context.Context, afterID string, limit int) ([]*Transaction, error) {
			assert.Equal(t, 2, limit)
			return pages[afterID], nil
		},
		SetCategoryFunc: func(ctx context.Context, id string, category string) (bool, error) {
			if id == "d" {
				return false, errors.New("deadlock")
			}
			written[id] = category
			return true, nil
		},
	}

	result, err := NewBackfillService(repo, nil, 2, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, result.Scanned)
	assert.Equal(t, 3, result.Categorized)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, map[string]string{
		"a": CategoryTransportation,
		"c": CategoryHealth,
		"e": CategoryTransportation,
	}, written)
}

func TestBackfillService_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBackfillService(&MockTransactionRepo{}, nil, 0, nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportService_RejectsForeignAccount(t *testing.T) {
	mine := "3f1c2a9e-6b1d-4c1e-9a53-0d6c1b2e7f10"
	theirs := "8a7b6c5d-4e3f-4a1b-9c8d-7e6f5a4b3c2d"
	var checked []string
	created := false
	repo := &MockTransactionRepo{
		OwnedAccountIDsFunc: func(ctx context.Context, userID int64, accountIDs []string) ([]string, error) {
			assert.Equal(t, int64(7), userID)
			checked = accountIDs
			return []string{mine}, nil
		},
		CreateBatchFunc: func(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
			created = true
			return nil, nil
		},
	}

	first := importItem(t, "5.00", "2026-10-01", "Lunch")
	first.AccountID = &mine
	second := importItem(t, "9.00", "2026-10-02", "Dinner")
	second.AccountID = &theirs
	third := importItem(t, "2.00", "2026-10-03", "Snack")
	third.AccountID = &mine

	_, err := NewImportService(repo, nil, nil).Import(context.Background(), 7, []ImportItem{first, second, third})
	require.ErrorIs(t, err, ErrUnknownAccount)
	assert.Contains(t, err.Error(), "transactions[1].accountId")
	assert.Equal(t, []string{mine, theirs}, checked)
	assert.False(t, created, "nothing may be inserted")
}

func TestImportService_SkipsOwnershipCheckWithoutAccounts(t *testing.T) {
	repo := &MockTransactionRepo{
		OwnedAccountIDsFunc: func(ctx context.Context, userID int64, accountIDs []string) ([]string, error) {
			t.Fatal("ownership lookup without account ids")
			return nil, nil
		},
	}

	result, err := NewImportService(repo, nil, nil).Import(context.Background(), 7, []ImportItem{importItem(t, "1.00", "2026-10-01", "Coffee")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Imported)
}
