package transaction

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DuplicateDayWindow is the max calendar-day distance between duplicates
	DuplicateDayWindow = 1

	// DuplicateHistoryLimit is how many recent rows an import compares against
	DuplicateHistoryLimit = 100
)

// DuplicateAmountTolerance is the exclusive upper bound on the amount difference
var DuplicateAmountTolerance = decimal.RequireFromString("0.01")

// Candidate is the subset of a transaction the duplicate check looks at.
type Candidate struct {
	Amount      decimal.Decimal
	Date        time.Time
	Description string
}

// CandidateOf projects a stored transaction onto a Candidate.
func CandidateOf(t *Transaction) Candidate {
	return Candidate{Amount: t.Amount, Date: t.Date, Description: t.Description}
}

// FindPotentialDuplicates returns every existing transaction that looks like
// the same real-world event as candidate: amount within a cent, dates at most
// one calendar day apart, and one description containing the other
// (case-insensitive). An empty description is contained in every other.
func FindPotentialDuplicates(candidate Candidate, existing []*Transaction) []*Transaction {
	var matches []*Transaction
	for _, txn := range existing {
		if txn == nil {
			continue
		}
		if IsDuplicatePair(candidate, CandidateOf(txn)) {
			matches = append(matches, txn)
		}
	}
	return matches
}

// IsLikelyDuplicate reports whether candidate matches anything in existing.
func IsLikelyDuplicate(candidate Candidate, existing []*Transaction) bool {
	return len(FindPotentialDuplicates(candidate, existing)) > 0
}

// IsDuplicatePair applies the duplicate rules to two candidates.
func IsDuplicatePair(a, b Candidate) bool {
	if a.Amount.Sub(b.Amount).Abs().GreaterThanOrEqual(DuplicateAmountTolerance) {
		return false
	}
	if daysBetween(a.Date, b.Date) > DuplicateDayWindow {
		return false
	}
	da := strings.ToLower(a.Description)
	db := strings.ToLower(b.Description)
	return strings.Contains(da, db) || strings.Contains(db, da)
}
