package velocity

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func tx(id string, minute int) domain.Transaction {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Transaction{
		ID:        id,
		Type:      domain.TypeExpense,
		Amount:    10,
		Category:  "dining",
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestCounts(t *testing.T) {
	window := time.Hour

	t.Run("Empty", func(t *testing.T) {
		counts := Counts(nil, window)
		if len(counts) != 0 {
			t.Errorf("expected no counts, got %d", len(counts))
		}
	})

	t.Run("SingleTransaction", func(t *testing.T) {
		counts := Counts([]domain.Transaction{tx("a", 0)}, window)
		if counts["a"] != 1 {
			t.Errorf("expected count 1, got %d", counts["a"])
		}
	})

	t.Run("Burst", func(t *testing.T) {
		txs := []domain.Transaction{
			tx("a", 0),
			tx("b", 10),
			tx("c", 20),
			tx("d", 30),
		}
		counts := Counts(txs, window)
		want := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}
		for id, w := range want {
			if counts[id] != w {
				t.Errorf("%s: expected %d, got %d", id, w, counts[id])
			}
		}
	})

	t.Run("WindowSlides", func(t *testing.T) {
		txs := []domain.Transaction{
			tx("a", 0),
			tx("b", 30),
			tx("c", 89), // a has fallen out, b is still inside
		}
		counts := Counts(txs, window)
		if counts["c"] != 2 {
			t.Errorf("expected c to count itself and b, got %d", counts["c"])
		}
	})

	t.Run("BoundaryIsExclusive", func(t *testing.T) {
		// Window is (t-window, t]: a row exactly window old is outside
		txs := []domain.Transaction{
			tx("a", 0),
			tx("b", 60),
		}
		counts := Counts(txs, window)
		if counts["b"] != 1 {
			t.Errorf("row exactly one window old should be excluded, got count %d", counts["b"])
		}
	})

	t.Run("UnsortedInput", func(t *testing.T) {
		txs := []domain.Transaction{
			tx("late", 50),
			tx("early", 0),
			tx("mid", 25),
		}
		counts := Counts(txs, window)
		if counts["early"] != 1 || counts["mid"] != 2 || counts["late"] != 3 {
			t.Errorf("unexpected counts for unsorted input: %v", counts)
		}
	})

	t.Run("IncomeIgnored", func(t *testing.T) {
		income := tx("inc", 15)
		income.Type = domain.TypeIncome
		txs := []domain.Transaction{
			tx("a", 0),
			income,
			tx("b", 30),
		}
		counts := Counts(txs, window)
		if _, ok := counts["inc"]; ok {
			t.Error("income rows should not be counted")
		}
		if counts["b"] != 2 {
			t.Errorf("income must not inflate expense counts, got %d", counts["b"])
		}
	})
}

func TestPeak(t *testing.T) {
	txs := []domain.Transaction{
		tx("a", 0),
		tx("b", 10),
		tx("c", 20),
		tx("d", 200),
	}
	if got := Peak(txs, time.Hour); got != 3 {
		t.Errorf("expected peak 3, got %d", got)
	}
	if got := Peak(nil, time.Hour); got != 0 {
		t.Errorf("expected peak 0 for empty batch, got %d", got)
	}
}
