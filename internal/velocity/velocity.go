// Package velocity provides sliding-window transaction frequency counts.
package velocity

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Counts returns, for every expense transaction in the batch, how many
// expense transactions (itself included) fall inside the rolling window
// ending at its timestamp. Keys are transaction IDs; non-expense rows
// are absent.
//
// The batch need not be pre-sorted. Ties are broken by input order.
func Counts(txs []domain.Transaction, window time.Duration) map[string]int {
	idx := make([]int, 0, len(txs))
	for i, tx := range txs {
		if tx.IsExpense() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return txs[idx[a]].Timestamp.Before(txs[idx[b]].Timestamp)
	})

	counts := make(map[string]int, len(idx))
	lo := 0
	for hi, i := range idx {
		cutoff := txs[i].Timestamp.Add(-window)
		// advance the window start past entries older than the cutoff
		for lo <= hi && !txs[idx[lo]].Timestamp.After(cutoff) {
			lo++
		}
		counts[txs[i].ID] = hi - lo + 1
	}
	return counts
}

// Peak returns the highest rolling-window count observed in the batch.
func Peak(txs []domain.Transaction, window time.Duration) int {
	peak := 0
	for _, c := range Counts(txs, window) {
		if c > peak {
			peak = c
		}
	}
	return peak
}
