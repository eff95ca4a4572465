// Package report merges the statistical, ensemble, and rule signals
// into one verdict per transaction and assembles the response payload.
package report

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// ensembleFloor is the minimum isolation score that can trigger a
// verdict on its own. Scores near 0.5 mean "average isolation depth";
// without this floor a flat batch would flag everything as top-N%.
const ensembleFloor = 0.5

// reasonNormal is the verdict text for unremarkable transactions.
const reasonNormal = "within normal range"

// reasonExcluded is the verdict text for rows dropped for data quality.
const reasonExcluded = "excluded: data quality"

// Input carries the three signal sets for one batch, index- and
// ID-aligned as produced by the pipeline.
type Input struct {
	// Scored are the expense transactions that entered the feature
	// matrix, in original input order.
	Scored []domain.Transaction

	// RuleOnly are expense rows excluded from the numeric scorers
	// (non-positive amounts) that still carry rule verdicts.
	RuleOnly []domain.Transaction

	Statistical map[string]float64
	Baselines   map[string]domain.CategoryBaseline

	// Ensemble is aligned with Scored. Nil when the forest was skipped.
	Ensemble           []float64
	EnsembleSkipReason string

	Builtin map[string][]rules.Firing
	Custom  []domain.RuleResult

	Quality []domain.DataQualityIssue

	SigmaThreshold        float64
	ContaminationFraction float64
}

// Aggregate applies the decision policy and produces the ordered score
// list plus the batch summary. Rule hits dominate; otherwise the
// statistical and ensemble signals decide; everything else is normal.
func Aggregate(in *Input) *domain.Report {
	customByTx := groupCustom(in.Custom)
	ensThreshold, ensOK := ensembleThreshold(in.Ensemble, in.ContaminationFraction)

	type ranked struct {
		score    domain.AnomalyScore
		combined float64
	}

	statNorm := normalizer(statValues(in))
	ensNorm := normalizer(in.Ensemble)

	var anomalies []ranked
	var normals []domain.AnomalyScore

	decide := func(tx domain.Transaction, idx int, scored bool) {
		s := domain.AnomalyScore{
			TransactionID:    tx.ID,
			StatisticalScore: in.Statistical[tx.ID],
		}
		var ensScore float64
		hasEns := scored && in.Ensemble != nil
		if hasEns {
			ensScore = in.Ensemble[idx]
			s.EnsembleScore = &ensScore
		}

		firings := append([]rules.Firing(nil), in.Builtin[tx.ID]...)
		for _, r := range customByTx[tx.ID] {
			firings = append(firings, rules.Firing{RuleID: r.RuleID, Reason: r.Reason})
		}
		for _, f := range firings {
			s.RuleFlags = append(s.RuleFlags, f.RuleID)
		}

		combined := statNorm(s.StatisticalScore)
		if hasEns {
			if n := ensNorm(ensScore); n > combined {
				combined = n
			}
		}

		switch {
		case len(firings) > 0:
			// firings are already priority-ordered; the dominant rule
			// names the verdict
			s.IsAnomaly = true
			s.Severity = domain.SeverityHigh
			s.Reason = fmt.Sprintf("rule %s: %s", firings[0].RuleID, firings[0].Reason)

		default:
			statHit := s.StatisticalScore > in.SigmaThreshold
			ensHit := hasEns && ensOK && ensScore >= ensThreshold && ensScore > ensembleFloor

			if statHit || ensHit {
				s.IsAnomaly = true
				if statHit && ensHit {
					s.Severity = domain.SeverityHigh
				} else {
					s.Severity = domain.SeverityMedium
				}
				s.Reason = signalReason(tx, s.StatisticalScore, ensScore, statHit, ensHit, in)
			} else {
				s.Severity = domain.SeverityLow
				s.Reason = reasonNormal
			}
		}

		if s.IsAnomaly {
			anomalies = append(anomalies, ranked{score: s, combined: combined})
		} else {
			normals = append(normals, s)
		}
	}

	for i, tx := range in.Scored {
		decide(tx, i, true)
	}
	for _, tx := range in.RuleOnly {
		decide(tx, -1, false)
	}

	// anomalies first, strongest combined signal on top; stable so equal
	// scores keep input order
	sort.SliceStable(anomalies, func(a, b int) bool {
		return anomalies[a].combined > anomalies[b].combined
	})

	scores := make([]domain.AnomalyScore, 0, len(anomalies)+len(normals)+len(in.Quality))
	for _, r := range anomalies {
		scores = append(scores, r.score)
	}
	scores = append(scores, normals...)

	// rows that never entered scoring close out the list, so callers can
	// distinguish "scored clean" from "never scored"
	for _, issue := range in.Quality {
		if issue.Scoreable() {
			continue // already present via RuleOnly
		}
		scores = append(scores, domain.AnomalyScore{
			TransactionID: issue.TransactionID,
			Severity:      domain.SeverityLow,
			Reason:        reasonExcluded,
		})
	}

	rep := &domain.Report{
		Scores:  scores,
		Quality: in.Quality,
	}
	anomalyScores := make([]domain.AnomalyScore, len(anomalies))
	for i, r := range anomalies {
		anomalyScores[i] = r.score
	}
	rep.Summary = summarize(in, len(anomalies))
	rep.Insights = insights(in, anomalyScores)

	return rep
}

// insights produces the deterministic batch-level observations shown on
// the dashboard next to the score list.
func insights(in *Input, anomalies []domain.AnomalyScore) []string {
	if len(anomalies) == 0 {
		return []string{"no significant anomalies detected in this batch"}
	}

	var out []string

	high := 0
	ruleDriven := 0
	for _, a := range anomalies {
		if a.Severity == domain.SeverityHigh {
			high++
		}
		if len(a.RuleFlags) > 0 {
			ruleDriven++
		}
	}
	if high > 0 {
		out = append(out, fmt.Sprintf("%d high-severity anomalies require attention", high))
	}
	if ruleDriven > len(anomalies)-ruleDriven {
		out = append(out, "most anomalies were caught by business rules")
	} else {
		out = append(out, "most anomalies were caught by statistical deviation")
	}

	amounts := amountIndex(in)
	var total float64
	counted := 0
	for _, a := range anomalies {
		if amt, ok := amounts[a.TransactionID]; ok {
			total += amt
			counted++
		}
	}
	if counted > 0 {
		out = append(out, fmt.Sprintf("anomalous transactions total %.2f (average %.2f)", total, total/float64(counted)))
	}

	return out
}

func amountIndex(in *Input) map[string]float64 {
	out := make(map[string]float64, len(in.Scored)+len(in.RuleOnly))
	for _, tx := range in.Scored {
		out[tx.ID] = tx.Amount
	}
	for _, tx := range in.RuleOnly {
		out[tx.ID] = tx.Amount
	}
	return out
}

func summarize(in *Input, anomalies int) domain.Summary {
	totalScored := len(in.Scored) + len(in.RuleOnly)
	s := domain.Summary{
		TotalTransactionsScored: totalScored,
		AnomaliesFound:          anomalies,
		DataQualityIssues:       len(in.Quality),
		EnsembleSkipped:         in.Ensemble == nil,
		EnsembleSkipReason:      in.EnsembleSkipReason,
		RiskLevel:               domain.RiskLow,
	}
	if totalScored > 0 {
		s.AnomalyRatePct = float64(anomalies) / float64(totalScored) * 100
	}
	switch {
	case s.AnomalyRatePct > 20:
		s.RiskLevel = domain.RiskHigh
	case s.AnomalyRatePct > 10:
		s.RiskLevel = domain.RiskMedium
	}
	return s
}

func signalReason(tx domain.Transaction, statScore, ensScore float64, statHit, ensHit bool, in *Input) string {
	var parts []string
	if statHit {
		b := in.Baselines[tx.Category]
		parts = append(parts, fmt.Sprintf("amount %.2f deviates %.1f standard deviations from the %s average of %.2f",
			tx.Amount, statScore, tx.Category, b.Mean))
	}
	if ensHit {
		parts = append(parts, fmt.Sprintf("isolation score %.3f is in the top %.0f%% of this batch",
			ensScore, in.ContaminationFraction*100))
	}
	if len(parts) == 2 {
		return parts[0] + "; " + parts[1]
	}
	return parts[0]
}

// ensembleThreshold returns the score at the top contamination-fraction
// boundary of the batch.
func ensembleThreshold(scores []float64, contamination float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	return stats.Quantile(sorted, 1-contamination), true
}

// normalizer maps the observed range of a signal onto [0, 1]. A flat
// signal maps everything to zero.
func normalizer(values []float64) func(float64) float64 {
	if len(values) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return func(float64) float64 { return 0 }
	}
	span := hi - lo
	return func(v float64) float64 {
		n := (v - lo) / span
		if n < 0 {
			return 0
		}
		if n > 1 {
			return 1
		}
		return n
	}
}

func statValues(in *Input) []float64 {
	out := make([]float64, 0, len(in.Scored))
	for _, tx := range in.Scored {
		out = append(out, in.Statistical[tx.ID])
	}
	return out
}

func groupCustom(results []domain.RuleResult) map[string][]domain.RuleResult {
	if len(results) == 0 {
		return nil
	}
	out := make(map[string][]domain.RuleResult)
	for _, r := range results {
		if r.Fired() {
			out[r.TransactionID] = append(out[r.TransactionID], r)
		}
	}
	return out
}
