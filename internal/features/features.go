// Package features converts a raw transaction batch into the numeric
// feature matrix consumed by the scorers.
package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// amountEpsilon is the clamp applied before log1p so a pathological
// amount never produces NaN in the matrix.
const amountEpsilon = 1e-9

// gapSentinel marks the first occurrence of a category in the batch:
// no prior observation, no gap.
const gapSentinel = -1.0

// Base feature column names, in matrix order. One-hot category columns
// follow, sorted by category name for run-to-run determinism.
const (
	ColAmount       = "amount"
	ColAmountLog    = "amount_log"
	ColDayOfWeek    = "day_of_week"
	ColHourOfDay    = "hour_of_day"
	ColCategoryGap  = "days_since_last_same_category"
	categoryColumns = "cat="
)

// defaultHour stands in for the time of day when a timestamp carries
// only a date.
const defaultHour = 12

// Matrix is the feature builder output. Rows are index-aligned with
// Transactions, which preserves the input order of the scored expenses,
// so downstream merging by index is always correct.
type Matrix struct {
	Transactions []domain.Transaction
	Columns      []string
	Rows         [][]float64

	// CategoryIndex maps a category name to its one-hot column. Built
	// fresh per batch; never reused across runs.
	CategoryIndex map[string]int
}

// Len returns the number of scored rows.
func (m *Matrix) Len() int {
	return len(m.Rows)
}

// Build filters the batch down to well-formed expense transactions and
// derives their feature rows. Malformed rows are reported as data
// quality issues, never silently dropped.
func Build(transactions []domain.Transaction) (*Matrix, []domain.DataQualityIssue) {
	var issues []domain.DataQualityIssue
	scored := make([]domain.Transaction, 0, len(transactions))

	for _, tx := range transactions {
		if !tx.IsExpense() {
			continue
		}
		if issue, ok := check(tx); ok {
			issues = append(issues, issue)
			continue
		}
		scored = append(scored, tx)
	}

	matrix := &Matrix{
		Transactions:  scored,
		CategoryIndex: make(map[string]int),
	}
	if len(scored) == 0 {
		return matrix, issues
	}

	categories := distinctCategories(scored)
	matrix.Columns = make([]string, 0, 5+len(categories))
	matrix.Columns = append(matrix.Columns, ColAmount, ColAmountLog, ColDayOfWeek, ColHourOfDay, ColCategoryGap)
	for i, cat := range categories {
		matrix.CategoryIndex[cat] = 5 + i
		matrix.Columns = append(matrix.Columns, categoryColumns+cat)
	}

	gaps := categoryGaps(scored)

	matrix.Rows = make([][]float64, len(scored))
	for i, tx := range scored {
		row := make([]float64, len(matrix.Columns))
		row[0] = tx.Amount
		row[1] = math.Log1p(math.Max(tx.Amount, amountEpsilon))
		row[2] = float64(tx.Timestamp.Weekday())
		row[3] = float64(hourOfDay(tx))
		row[4] = gaps[i]
		row[matrix.CategoryIndex[tx.Category]] = 1
		matrix.Rows[i] = row
	}

	return matrix, issues
}

// check validates a single expense row. The bool result reports whether
// the row must be excluded from the matrix.
func check(tx domain.Transaction) (domain.DataQualityIssue, bool) {
	if tx.Category == "" {
		return domain.DataQualityIssue{
			TransactionID: tx.ID,
			Kind:          domain.QualityMissingCategory,
			Detail:        "transaction has no category",
		}, true
	}
	if !domain.ValidAmount(tx.Amount) {
		return domain.DataQualityIssue{
			TransactionID: tx.ID,
			Kind:          domain.QualityBadAmount,
			Detail:        "amount is not a finite number",
		}, true
	}
	if tx.Amount <= 0 {
		return domain.DataQualityIssue{
			TransactionID: tx.ID,
			Kind:          domain.QualityNonPositiveAmount,
			Detail:        fmt.Sprintf("expense amount %.2f is not positive", tx.Amount),
		}, true
	}
	return domain.DataQualityIssue{}, false
}

// distinctCategories returns the categories present in this batch,
// sorted so column order is stable across reruns.
func distinctCategories(txs []domain.Transaction) []string {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		seen[tx.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// categoryGaps computes days-since-last-same-category per row. The batch
// is walked in timestamp order (stable sort, input order breaks ties),
// then the gaps are written back to the original row positions.
func categoryGaps(txs []domain.Transaction) []float64 {
	order := make([]int, len(txs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return txs[order[a]].Timestamp.Before(txs[order[b]].Timestamp)
	})

	gaps := make([]float64, len(txs))
	last := make(map[string]int, len(txs)) // category -> original index of previous occurrence
	for _, idx := range order {
		tx := txs[idx]
		prev, ok := last[tx.Category]
		if !ok {
			gaps[idx] = gapSentinel
		} else {
			gaps[idx] = tx.Timestamp.Sub(txs[prev].Timestamp).Hours() / 24
		}
		last[tx.Category] = idx
	}
	return gaps
}

// hourOfDay extracts the transaction hour, falling back to midday for
// date-only timestamps. A genuine midnight transaction keeps hour 0
// when its timestamp carries sub-second precision.
func hourOfDay(tx domain.Transaction) int {
	t := tx.Timestamp
	h := t.Hour()
	if h == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return defaultHour
	}
	return h
}
