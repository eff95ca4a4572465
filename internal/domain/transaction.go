package domain

import (
	"math"
	"time"
)

// TransactionType distinguishes money leaving the account from money entering it.
type TransactionType string

const (
	TypeExpense TransactionType = "expense"
	TypeIncome  TransactionType = "income"
)

// Transaction is one entry of a user's financial history.
// Only expense transactions are scored; income entries are retained
// for context but never enter the feature matrix.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId,omitempty"`
	Type        TransactionType `json:"type"`
	Amount      float64         `json:"amount"`
	Category    string          `json:"category"`
	Merchant    string          `json:"merchant,omitempty"`
	Description string          `json:"description,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	CreatedAt   time.Time       `json:"createdAt,omitempty"`
}

// IsExpense reports whether this transaction is subject to anomaly scoring.
func (t *Transaction) IsExpense() bool {
	return t.Type == TypeExpense
}

// DataQualityKind classifies why a transaction could not be scored normally.
type DataQualityKind string

const (
	// QualityMissingCategory marks rows without a category label.
	QualityMissingCategory DataQualityKind = "missing_category"

	// QualityBadAmount marks rows whose amount is NaN or infinite.
	QualityBadAmount DataQualityKind = "bad_amount"

	// QualityNonPositiveAmount marks expense rows with amount <= 0.
	// These rows are excluded from the numeric scorers but still pass
	// through the rule engine, which flags them.
	QualityNonPositiveAmount DataQualityKind = "non_positive_amount"
)

// DataQualityIssue is a per-row, non-fatal finding surfaced alongside scores.
type DataQualityIssue struct {
	TransactionID string          `json:"transactionId"`
	Kind          DataQualityKind `json:"kind"`
	Detail        string          `json:"detail"`
}

// Scoreable reports whether a row with this issue can still receive a
// rule-engine verdict. Non-positive amounts can; structurally broken
// rows cannot.
func (i DataQualityIssue) Scoreable() bool {
	return i.Kind == QualityNonPositiveAmount
}

// ValidAmount reports whether a float is a usable monetary amount.
func ValidAmount(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TransactionRequest is the API payload for ingesting a transaction.
type TransactionRequest struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Merchant    string  `json:"merchant,omitempty"`
	Description string  `json:"description,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"` // RFC 3339; defaults to now
}

// ToTransaction converts an API request into a Transaction owned by userID.
func (r *TransactionRequest) ToTransaction(userID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, r.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}
	return &Transaction{
		UserID:      userID,
		Type:        TransactionType(r.Type),
		Amount:      r.Amount,
		Category:    r.Category,
		Merchant:    r.Merchant,
		Description: r.Description,
		Timestamp:   ts,
		CreatedAt:   now,
	}
}
