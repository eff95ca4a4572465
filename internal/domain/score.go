package domain

import (
	"time"
)

// Severity grades how strongly a transaction deviates from the user's
// typical behavior.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyScore is the per-transaction verdict produced by one scoring run.
type AnomalyScore struct {
	TransactionID string `json:"transactionId"`

	// StatisticalScore is the z-score magnitude against the per-category
	// baseline. Zero means exactly average or no baseline.
	StatisticalScore float64 `json:"statisticalScore"`

	// EnsembleScore is the isolation forest score in (0, 1), higher =
	// more anomalous. Nil when the batch was too small to fit a model
	// or the fit was skipped.
	EnsembleScore *float64 `json:"ensembleScore"`

	// RuleFlags lists the rule IDs that fired for this transaction.
	RuleFlags []string `json:"ruleFlags,omitempty"`

	IsAnomaly bool     `json:"isAnomaly"`
	Severity  Severity `json:"severity"`
	Reason    string   `json:"reason"`
}

// RiskLevel buckets the overall anomaly rate of a batch.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Summary is the batch-level rollup attached to every report.
type Summary struct {
	TotalTransactionsScored int     `json:"totalTransactionsScored"`
	AnomaliesFound          int     `json:"anomaliesFound"`
	DataQualityIssues       int     `json:"dataQualityIssues"`
	AnomalyRatePct          float64 `json:"anomalyRatePct"`
	RiskLevel               string  `json:"riskLevel"`

	// EnsembleSkipped is true when the isolation forest was not fitted
	// (small batch, timeout, or degenerate matrix). Statistical and
	// rule signals still apply.
	EnsembleSkipped    bool   `json:"ensembleSkipped"`
	EnsembleSkipReason string `json:"ensembleSkipReason,omitempty"`
}

// ReportMetadata records per-stage processing times for one run.
type ReportMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	FeatureMs     int64  `json:"featureMs"`
	StatsMs       int64  `json:"statsMs"`
	EnsembleMs    int64  `json:"ensembleMs"`
	RulesMs       int64  `json:"rulesMs"`
	TotalMs       int64  `json:"totalMs"`
	EngineVersion string `json:"engineVersion"`
}

// Report is the complete result of one anomaly detection run.
// It is a pure function of the input batch and configuration: the
// Scores slice is byte-identical across reruns with the same seed.
type Report struct {
	ID          string             `json:"id"`
	UserID      string             `json:"userId,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Scores      []AnomalyScore     `json:"scores"`
	Quality     []DataQualityIssue `json:"dataQuality,omitempty"`
	Summary     Summary            `json:"summary"`
	Insights    []string           `json:"insights,omitempty"`
	Metadata    ReportMetadata     `json:"metadata"`
}

// Anomalies returns only the scores flagged as anomalous, in report order.
func (r *Report) Anomalies() []AnomalyScore {
	out := make([]AnomalyScore, 0, r.Summary.AnomaliesFound)
	for _, s := range r.Scores {
		if s.IsAnomaly {
			out = append(out, s)
		}
	}
	return out
}

// CategoryBaseline describes the spending profile of one category,
// exposed through the baselines API for dashboard use.
type CategoryBaseline struct {
	Category string  `json:"category"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	StdDev   float64 `json:"stdDev"`
	Q1       float64 `json:"q1"`
	Q3       float64 `json:"q3"`
	IQRLow   float64 `json:"iqrLow"`
	IQRHigh  float64 `json:"iqrHigh"`
}
