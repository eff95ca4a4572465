package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestTransactionCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	tx := &domain.Transaction{
		ID:          "tx-001",
		Type:        domain.TypeExpense,
		Amount:      42.50,
		Category:    "groceries",
		Merchant:    "corner-store",
		Description: "weekly shop",
		Timestamp:   ts,
		CreatedAt:   ts,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, "user-1", tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, "user-1", "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.ID != tx.ID || got.Type != tx.Type || got.Amount != tx.Amount ||
			got.Category != tx.Category || got.Merchant != tx.Merchant {
			t.Errorf("round trip mismatch: %+v vs %+v", got, tx)
		}
		if !got.Timestamp.Equal(ts) {
			t.Errorf("timestamp mismatch: %v vs %v", got.Timestamp, ts)
		}
	})

	t.Run("UserScoping", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "user-2", "tx-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("another user must not see the transaction, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "user-1", "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MissingUserID", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, "", tx); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetTransaction(ctx, "", "tx-001"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestListTransactions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Insert out of chronological order
	for i, day := range []int{3, 1, 2} {
		tx := &domain.Transaction{
			ID:        []string{"c", "a", "b"}[i],
			Type:      domain.TypeExpense,
			Amount:    10,
			Category:  "dining",
			Timestamp: base.AddDate(0, 0, day),
			CreatedAt: base,
		}
		if err := repo.SaveTransaction(ctx, "user-1", tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	t.Run("OrderedAscending", func(t *testing.T) {
		got, err := repo.ListTransactions(ctx, "user-1", base, base.AddDate(0, 0, 10))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(got))
		}
		for i, want := range []string{"a", "b", "c"} {
			if got[i].ID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, got[i].ID)
			}
		}
	})

	t.Run("WindowFilters", func(t *testing.T) {
		got, err := repo.ListTransactions(ctx, "user-1",
			base.AddDate(0, 0, 2), base.AddDate(0, 0, 2))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("expected only b in the window, got %v", got)
		}
	})

	t.Run("EmptyWindow", func(t *testing.T) {
		got, err := repo.ListTransactions(ctx, "user-1",
			base.AddDate(0, 1, 0), base.AddDate(0, 2, 0))
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no transactions, got %d", len(got))
		}
	})
}

func TestRuleConfigCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	upper := 1.0
	rule := &domain.RuleConfig{
		ID:         "late-night",
		Name:       "late night spending",
		Expression: `amount > 100.0 && hour >= 22`,
		Bands: []domain.RuleBand{
			{UpperLimit: &upper, Outcome: domain.RuleOutcomePass},
		},
		Weight:  2.0,
		Enabled: true,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveRuleConfig(ctx, "user-1", rule); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, "user-1", "late-night")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Expression != rule.Expression || got.Weight != rule.Weight || !got.Enabled {
			t.Errorf("round trip mismatch: %+v", got)
		}
		if len(got.Bands) != 1 || got.Bands[0].UpperLimit == nil || *got.Bands[0].UpperLimit != 1.0 {
			t.Errorf("bands not preserved: %+v", got.Bands)
		}
	})

	t.Run("SaveReplaces", func(t *testing.T) {
		updated := *rule
		updated.Expression = `amount > 200.0`
		updated.Enabled = false
		if err := repo.SaveRuleConfig(ctx, "user-1", &updated); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}

		got, err := repo.GetRuleConfig(ctx, "user-1", "late-night")
		if err != nil {
			t.Fatalf("GetRuleConfig failed: %v", err)
		}
		if got.Expression != `amount > 200.0` || got.Enabled {
			t.Errorf("replacement not applied: %+v", got)
		}

		all, err := repo.ListRuleConfigs(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("replacement should not duplicate, got %d rules", len(all))
		}
	})

	t.Run("PerUserIsolation", func(t *testing.T) {
		if _, err := repo.GetRuleConfig(ctx, "user-2", "late-night"); !errors.Is(err, ErrNotFound) {
			t.Errorf("rules must be scoped per user, got %v", err)
		}
		other := *rule
		if err := repo.SaveRuleConfig(ctx, "user-2", &other); err != nil {
			t.Fatalf("same rule ID for another user should insert: %v", err)
		}
	})

	t.Run("ListOrderedByID", func(t *testing.T) {
		second := *rule
		second.ID = "alpha-rule"
		if err := repo.SaveRuleConfig(ctx, "user-1", &second); err != nil {
			t.Fatalf("SaveRuleConfig failed: %v", err)
		}
		all, err := repo.ListRuleConfigs(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListRuleConfigs failed: %v", err)
		}
		if len(all) != 2 || all[0].ID != "alpha-rule" || all[1].ID != "late-night" {
			t.Errorf("expected ID ordering, got %v", all)
		}
	})
}

func TestReportCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	mkReport := func(id string, at time.Time) *domain.Report {
		return &domain.Report{
			ID:          id,
			GeneratedAt: at,
			Scores: []domain.AnomalyScore{
				{TransactionID: "tx-001", StatisticalScore: 3.4, IsAnomaly: true,
					Severity: domain.SeverityHigh, Reason: "rule HIGH_VELOCITY: burst"},
				{TransactionID: "tx-002", Severity: domain.SeverityLow, Reason: "within normal range"},
			},
			Summary: domain.Summary{
				TotalTransactionsScored: 2,
				AnomaliesFound:          1,
				AnomalyRatePct:          50,
				RiskLevel:               domain.RiskHigh,
			},
			Insights: []string{"1 high-severity anomalies require attention"},
			Metadata: domain.ReportMetadata{EngineVersion: "kestrel-1.0", TotalMs: 12},
		}
	}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveReport(ctx, "user-1", mkReport("rep-1", base)); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}

		got, err := repo.GetReport(ctx, "user-1", "rep-1")
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if len(got.Scores) != 2 || !got.Scores[0].IsAnomaly || got.Scores[0].Severity != domain.SeverityHigh {
			t.Errorf("scores not preserved: %+v", got.Scores)
		}
		if got.Summary.AnomaliesFound != 1 || got.Summary.RiskLevel != domain.RiskHigh {
			t.Errorf("summary not preserved: %+v", got.Summary)
		}
		if got.Metadata.EngineVersion != "kestrel-1.0" {
			t.Errorf("metadata not preserved: %+v", got.Metadata)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		for i, id := range []string{"rep-2", "rep-3"} {
			if err := repo.SaveReport(ctx, "user-1", mkReport(id, base.Add(time.Duration(i+1)*time.Hour))); err != nil {
				t.Fatalf("SaveReport failed: %v", err)
			}
		}
		got, err := repo.ListReports(ctx, "user-1", 10)
		if err != nil {
			t.Fatalf("ListReports failed: %v", err)
		}
		if len(got) != 3 || got[0].ID != "rep-3" || got[2].ID != "rep-1" {
			ids := make([]string, len(got))
			for i, r := range got {
				ids[i] = r.ID
			}
			t.Errorf("expected newest first, got %v", ids)
		}
	})

	t.Run("LimitApplies", func(t *testing.T) {
		got, err := repo.ListReports(ctx, "user-1", 2)
		if err != nil {
			t.Fatalf("ListReports failed: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("expected limit of 2, got %d", len(got))
		}
	})

	t.Run("UserScoping", func(t *testing.T) {
		if _, err := repo.GetReport(ctx, "user-2", "rep-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("another user must not see the report, got %v", err)
		}
	})
}

func TestPing(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
