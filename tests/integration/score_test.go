//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel anomaly
// detection engine against a running instance.
//
// The pipeline under test:
//
//	Batch → Feature Builder → {Statistical, Ensemble, Rules} → Aggregated Report
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The target instance is taken from KESTREL_TEST_URL (default
// http://localhost:8080). All requests are scoped to a throwaway user,
// so the tests can run against a shared instance without polluting
// real data.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

type TestConfig struct {
	BaseURL string
	UserID  string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		UserID:  fmt.Sprintf("integration-%d", time.Now().UnixNano()),
	}
}

// TransactionInput matches the POST /score request rows.
type TransactionInput struct {
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Category  string  `json:"category"`
	Merchant  string  `json:"merchant,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

type ScoreRequest struct {
	Transactions []TransactionInput `json:"transactions"`
}

type ScoreResponse struct {
	ID     string `json:"id"`
	Scores []struct {
		TransactionID    string   `json:"transactionId"`
		StatisticalScore float64  `json:"statisticalScore"`
		EnsembleScore    *float64 `json:"ensembleScore,omitempty"`
		RuleFlags        []string `json:"ruleFlags,omitempty"`
		IsAnomaly        bool     `json:"isAnomaly"`
		Severity         string   `json:"severity"`
		Reason           string   `json:"reason"`
	} `json:"scores"`
	Summary struct {
		TotalTransactionsScored int     `json:"totalTransactionsScored"`
		AnomaliesFound          int     `json:"anomaliesFound"`
		AnomalyRatePct          float64 `json:"anomalyRatePct"`
		RiskLevel               string  `json:"riskLevel"`
		EnsembleSkipped         bool    `json:"ensembleSkipped"`
	} `json:"summary"`
	Insights []string `json:"insights"`
}

func doJSON(t *testing.T, config TestConfig, method, path string, payload any, out any) int {
	t.Helper()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", config.UserID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("failed to unmarshal response: %v (body: %s)", err, string(data))
		}
	}
	return resp.StatusCode
}

// normalBatch returns routine grocery spending spread over two weeks.
func normalBatch(n int) []TransactionInput {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var txs []TransactionInput
	for i := 0; i < n; i++ {
		txs = append(txs, TransactionInput{
			Type:      "expense",
			Amount:    40 + float64(i%10),
			Category:  "groceries",
			Merchant:  "corner-store",
			Timestamp: base.Add(time.Duration(i) * 12 * time.Hour).Format(time.RFC3339),
		})
	}
	return txs
}

func TestNormalBatch_NoAnomalies(t *testing.T) {
	config := getTestConfig()

	var result ScoreResponse
	status := doJSON(t, config, "POST", "/score", ScoreRequest{Transactions: normalBatch(20)}, &result)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	if result.Summary.TotalTransactionsScored != 20 {
		t.Errorf("expected 20 scored, got %d", result.Summary.TotalTransactionsScored)
	}
	if result.Summary.RiskLevel != "low" {
		t.Errorf("expected low risk, got %s (%d anomalies)",
			result.Summary.RiskLevel, result.Summary.AnomaliesFound)
	}
	for _, s := range result.Scores {
		if s.Severity == "high" {
			t.Errorf("routine spending should not produce high-severity verdicts: %+v", s)
		}
		if len(s.RuleFlags) > 0 {
			t.Errorf("routine spending should not trip rules: %+v", s)
		}
	}
}

func TestOutlierBatch_Flagged(t *testing.T) {
	config := getTestConfig()

	txs := append(normalBatch(20), TransactionInput{
		Type:      "expense",
		Amount:    4800,
		Category:  "groceries",
		Merchant:  "corner-store",
		Timestamp: time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})

	var result ScoreResponse
	status := doJSON(t, config, "POST", "/score", ScoreRequest{Transactions: txs}, &result)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	if result.Summary.AnomaliesFound < 1 {
		t.Fatal("100x outlier should be flagged")
	}
	// Anomalies lead the score list
	top := result.Scores[0]
	if !top.IsAnomaly || top.Reason == "" {
		t.Errorf("top score should be an explained anomaly: %+v", top)
	}
	if result.Summary.EnsembleSkipped {
		t.Error("a 21-row batch should engage the ensemble")
	}
}

func TestNegativeAmount_RuleVerdict(t *testing.T) {
	config := getTestConfig()

	txs := append(normalBatch(12), TransactionInput{
		Type:      "expense",
		Amount:    -25,
		Category:  "groceries",
		Timestamp: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})

	var result ScoreResponse
	status := doJSON(t, config, "POST", "/score", ScoreRequest{Transactions: txs}, &result)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	found := false
	for _, s := range result.Scores {
		for _, flag := range s.RuleFlags {
			if flag == "NEGATIVE_OR_ZERO_AMOUNT" {
				found = true
				if !s.IsAnomaly || s.Severity != "high" {
					t.Errorf("negative amount should be a high-severity verdict: %+v", s)
				}
			}
		}
	}
	if !found {
		t.Error("NEGATIVE_OR_ZERO_AMOUNT verdict missing from response")
	}
}

func TestCustomRule_RoundTrip(t *testing.T) {
	config := getTestConfig()

	rule := map[string]any{
		"id":         "integration-late-night",
		"name":       "late night spending",
		"expression": `category == "dining" && amount > 100.0`,
		"weight":     1.0,
		"enabled":    true,
	}
	if status := doJSON(t, config, "POST", "/rules", rule, nil); status != http.StatusCreated {
		t.Fatalf("expected 201 creating rule, got %d", status)
	}
	if status := doJSON(t, config, "POST", "/rules/reload", nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 reloading rules, got %d", status)
	}

	txs := append(normalBatch(12), TransactionInput{
		Type:      "expense",
		Amount:    150,
		Category:  "dining",
		Merchant:  "steakhouse",
		Timestamp: time.Date(2026, 3, 10, 22, 30, 0, 0, time.UTC).Format(time.RFC3339),
	})

	var result ScoreResponse
	if status := doJSON(t, config, "POST", "/score", ScoreRequest{Transactions: txs}, &result); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	found := false
	for _, s := range result.Scores {
		for _, flag := range s.RuleFlags {
			if flag == "integration-late-night" {
				found = true
			}
		}
	}
	if !found {
		t.Error("custom rule verdict missing from response")
	}
}

func TestReportPersistence(t *testing.T) {
	config := getTestConfig()

	var scored ScoreResponse
	if status := doJSON(t, config, "POST", "/score", ScoreRequest{Transactions: normalBatch(15)}, &scored); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if scored.ID == "" {
		t.Fatal("report ID missing from score response")
	}

	var fetched ScoreResponse
	if status := doJSON(t, config, "GET", "/reports/"+scored.ID, nil, &fetched); status != http.StatusOK {
		t.Fatalf("expected 200 fetching report, got %d", status)
	}
	if fetched.ID != scored.ID || len(fetched.Scores) != len(scored.Scores) {
		t.Errorf("persisted report differs: %s vs %s", fetched.ID, scored.ID)
	}
}

func TestMissingUserHeader(t *testing.T) {
	config := getTestConfig()

	body, _ := json.Marshal(ScoreRequest{Transactions: normalBatch(5)})
	req, err := http.NewRequest("POST", config.BaseURL+"/score", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without X-User-ID, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	config := getTestConfig()

	resp, err := http.Get(config.BaseURL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from /health, got %d", resp.StatusCode)
	}
}
