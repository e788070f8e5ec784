package transaction

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source values for Transaction.Source
const (
	SourceSync   = "sync"
	SourceManual = "manual"
)

type Transaction struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"userId"`
	AccountID    *string         `json:"accountId,omitempty"`
	ExternalID   *string         `json:"externalId,omitempty"` // aggregator transaction id, nil for manual rows
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	MerchantName *string         `json:"merchantName,omitempty"`
	Category     *string         `json:"category,omitempty"`
	Date         time.Time       `json:"date"`
	Pending      bool            `json:"pending"`
	Source       string          `json:"source"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// CreateTransactionParams is used for manual inserts (imports)
type CreateTransactionParams struct {
	UserID      int64
	AccountID   *string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Category    *string
	Date        time.Time
}

// ImportItem is one row of a manual bulk import request.
type ImportItem struct {
	AccountID   *string         `json:"accountId,omitempty" validate:"omitempty,uuid"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty" validate:"omitempty,len=3"`
	Description string          `json:"description" validate:"max=500"`
	Category    *string         `json:"category,omitempty"`
	Date        Date            `json:"date" validate:"required"`
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Total      int          `json:"total"`
	Imported   int          `json:"imported"`
	Skipped    int          `json:"skipped"`
	Duplicates []ImportItem `json:"duplicates"`
}

// BackfillResult summarizes a categorization backfill run.
type BackfillResult struct {
	Scanned     int      `json:"scanned"`
	Categorized int      `json:"categorized"`
	Errors      []string `json:"errors"`
}
