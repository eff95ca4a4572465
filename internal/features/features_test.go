package features

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func expense(id string, amount float64, category string, ts time.Time) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		Type:      domain.TypeExpense,
		Amount:    amount,
		Category:  category,
		Timestamp: ts,
	}
}

func TestBuild(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) // a Monday

	t.Run("EmptyBatch", func(t *testing.T) {
		matrix, issues := Build(nil)
		if matrix.Len() != 0 {
			t.Errorf("expected empty matrix, got %d rows", matrix.Len())
		}
		if len(issues) != 0 {
			t.Errorf("expected no issues, got %d", len(issues))
		}
	})

	t.Run("IncomeExcluded", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("e1", 50, "groceries", base),
			{ID: "i1", Type: domain.TypeIncome, Amount: 2000, Category: "salary", Timestamp: base},
		}
		matrix, issues := Build(txs)
		if matrix.Len() != 1 {
			t.Fatalf("expected 1 row, got %d", matrix.Len())
		}
		if matrix.Transactions[0].ID != "e1" {
			t.Errorf("expected e1 to be scored, got %s", matrix.Transactions[0].ID)
		}
		// Income is skipped silently, not reported as a quality issue
		if len(issues) != 0 {
			t.Errorf("expected no issues for income rows, got %d", len(issues))
		}
	})

	t.Run("RowAlignment", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("a", 10, "dining", base),
			expense("b", 20, "groceries", base.Add(time.Hour)),
			expense("c", 30, "dining", base.Add(2*time.Hour)),
		}
		matrix, _ := Build(txs)
		if matrix.Len() != 3 {
			t.Fatalf("expected 3 rows, got %d", matrix.Len())
		}
		for i, tx := range matrix.Transactions {
			if matrix.Rows[i][0] != tx.Amount {
				t.Errorf("row %d amount %.1f does not match transaction %s amount %.1f",
					i, matrix.Rows[i][0], tx.ID, tx.Amount)
			}
		}
	})

	t.Run("ColumnsSortedAndOneHot", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("a", 10, "transport", base),
			expense("b", 20, "dining", base),
			expense("c", 30, "groceries", base),
		}
		matrix, _ := Build(txs)

		want := []string{ColAmount, ColAmountLog, ColDayOfWeek, ColHourOfDay, ColCategoryGap,
			"cat=dining", "cat=groceries", "cat=transport"}
		if len(matrix.Columns) != len(want) {
			t.Fatalf("expected %d columns, got %d: %v", len(want), len(matrix.Columns), matrix.Columns)
		}
		for i, col := range want {
			if matrix.Columns[i] != col {
				t.Errorf("column %d: expected %s, got %s", i, col, matrix.Columns[i])
			}
		}

		// Exactly one one-hot bit per row
		for i, row := range matrix.Rows {
			var hot int
			for _, v := range row[5:] {
				if v == 1 {
					hot++
				}
			}
			if hot != 1 {
				t.Errorf("row %d: expected exactly one category bit, got %d", i, hot)
			}
			idx := matrix.CategoryIndex[matrix.Transactions[i].Category]
			if row[idx] != 1 {
				t.Errorf("row %d: category bit not set for %s", i, matrix.Transactions[i].Category)
			}
		}
	})

	t.Run("CategoryGapSentinel", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("first", 10, "dining", base),
			expense("second", 12, "dining", base.Add(48*time.Hour)),
			expense("other", 99, "transport", base.Add(24*time.Hour)),
		}
		matrix, _ := Build(txs)

		byID := make(map[string][]float64)
		for i, tx := range matrix.Transactions {
			byID[tx.ID] = matrix.Rows[i]
		}

		if byID["first"][4] != gapSentinel {
			t.Errorf("first dining row should carry the gap sentinel, got %g", byID["first"][4])
		}
		if got := byID["second"][4]; math.Abs(got-2.0) > 1e-9 {
			t.Errorf("second dining row should have a 2 day gap, got %g", got)
		}
		if byID["other"][4] != gapSentinel {
			t.Errorf("sole transport row should carry the gap sentinel, got %g", byID["other"][4])
		}
	})

	t.Run("GapUsesTimestampOrderNotInputOrder", func(t *testing.T) {
		// Later timestamp submitted first
		txs := []domain.Transaction{
			expense("late", 10, "dining", base.Add(72*time.Hour)),
			expense("early", 12, "dining", base),
		}
		matrix, _ := Build(txs)

		byID := make(map[string][]float64)
		for i, tx := range matrix.Transactions {
			byID[tx.ID] = matrix.Rows[i]
		}
		if byID["early"][4] != gapSentinel {
			t.Errorf("chronologically first row should carry the sentinel, got %g", byID["early"][4])
		}
		if got := byID["late"][4]; math.Abs(got-3.0) > 1e-9 {
			t.Errorf("chronologically later row should have a 3 day gap, got %g", got)
		}
	})

	t.Run("MidnightTimestampDefaultsHour", func(t *testing.T) {
		midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
		matrix, _ := Build([]domain.Transaction{expense("m", 10, "dining", midnight)})
		if matrix.Rows[0][3] != float64(defaultHour) {
			t.Errorf("expected hour %d for date-only timestamp, got %g", defaultHour, matrix.Rows[0][3])
		}
	})

	t.Run("GenuineMidnightKeepsHourZero", func(t *testing.T) {
		// Sub-second precision means the timestamp carries real time
		// of day, so hour 0 must survive
		justPastMidnight := time.Date(2026, 3, 2, 0, 0, 0, 412_000_000, time.UTC)
		matrix, _ := Build([]domain.Transaction{expense("m", 10, "dining", justPastMidnight)})
		if matrix.Rows[0][3] != 0 {
			t.Errorf("expected hour 0 for midnight with sub-second precision, got %g", matrix.Rows[0][3])
		}
	})

	t.Run("DataQualityIssues", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("ok", 50, "groceries", base),
			expense("nocat", 50, "", base),
			expense("nan", math.NaN(), "groceries", base),
			expense("neg", -5, "groceries", base),
			expense("zero", 0, "groceries", base),
		}
		matrix, issues := Build(txs)

		if matrix.Len() != 1 {
			t.Fatalf("expected 1 scored row, got %d", matrix.Len())
		}
		if len(issues) != 4 {
			t.Fatalf("expected 4 issues, got %d", len(issues))
		}

		kinds := make(map[string]domain.DataQualityKind)
		for _, issue := range issues {
			kinds[issue.TransactionID] = issue.Kind
		}
		if kinds["nocat"] != domain.QualityMissingCategory {
			t.Errorf("nocat: expected missing_category, got %s", kinds["nocat"])
		}
		if kinds["nan"] != domain.QualityBadAmount {
			t.Errorf("nan: expected bad_amount, got %s", kinds["nan"])
		}
		if kinds["neg"] != domain.QualityNonPositiveAmount {
			t.Errorf("neg: expected non_positive_amount, got %s", kinds["neg"])
		}
		if kinds["zero"] != domain.QualityNonPositiveAmount {
			t.Errorf("zero: expected non_positive_amount, got %s", kinds["zero"])
		}
	})

	t.Run("NoNaNInMatrix", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("tiny", 1e-12, "dining", base),
			expense("big", 1e9, "dining", base.Add(time.Hour)),
		}
		matrix, _ := Build(txs)
		for i, row := range matrix.Rows {
			for d, v := range row {
				if math.IsNaN(v) || math.IsInf(v, 0) {
					t.Errorf("row %d col %d is not finite: %g", i, d, v)
				}
			}
		}
	})

	t.Run("DeterministicAcrossRuns", func(t *testing.T) {
		txs := []domain.Transaction{
			expense("a", 10, "zeta", base),
			expense("b", 20, "alpha", base.Add(time.Hour)),
			expense("c", 30, "mid", base.Add(2*time.Hour)),
		}
		m1, _ := Build(txs)
		m2, _ := Build(txs)

		for i := range m1.Columns {
			if m1.Columns[i] != m2.Columns[i] {
				t.Fatalf("column order differs between runs: %v vs %v", m1.Columns, m2.Columns)
			}
		}
		for i := range m1.Rows {
			for d := range m1.Rows[i] {
				if m1.Rows[i][d] != m2.Rows[i][d] {
					t.Errorf("row %d col %d differs between runs", i, d)
				}
			}
		}
	})
}
