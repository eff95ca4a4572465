// Package stats implements the per-category z-score scorer.
package stats

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Epsilon floors the standard deviation so a zero-variance category
// yields a large finite score instead of infinity.
const Epsilon = 1e-6

// Scorer computes statistical deviation scores against per-category
// baselines built from the batch itself.
type Scorer struct {
	// SigmaThreshold is the magnitude above which a score is notable.
	SigmaThreshold float64
}

// NewScorer returns a scorer with the given notable threshold.
func NewScorer(sigma float64) *Scorer {
	return &Scorer{SigmaThreshold: sigma}
}

// Score returns the z-score magnitude per transaction ID, plus the
// category baselines it derived.
func (s *Scorer) Score(txs []domain.Transaction) (map[string]float64, map[string]domain.CategoryBaseline) {
	baselines := Baselines(txs)
	return s.ScoreAgainst(txs, baselines), baselines
}

// ScoreAgainst scores the batch against pre-computed baselines.
// Single-occurrence categories score zero: with no baseline, nothing
// can be called an outlier.
func (s *Scorer) ScoreAgainst(txs []domain.Transaction, baselines map[string]domain.CategoryBaseline) map[string]float64 {
	scores := make(map[string]float64, len(txs))
	for _, tx := range txs {
		b := baselines[tx.Category]
		if b.Count < 2 {
			scores[tx.ID] = 0
			continue
		}
		scores[tx.ID] = math.Abs(tx.Amount-b.Mean) / math.Max(b.StdDev, Epsilon)
	}
	return scores
}

// Notable reports whether a score crosses the sigma threshold.
func (s *Scorer) Notable(score float64) bool {
	return score > s.SigmaThreshold
}

// Baselines computes mean, sample standard deviation, and interquartile
// bounds per category over the supplied expense amounts.
func Baselines(txs []domain.Transaction) map[string]domain.CategoryBaseline {
	byCategory := make(map[string][]float64)
	for _, tx := range txs {
		byCategory[tx.Category] = append(byCategory[tx.Category], tx.Amount)
	}

	out := make(map[string]domain.CategoryBaseline, len(byCategory))
	for cat, amounts := range byCategory {
		out[cat] = baseline(cat, amounts)
	}
	return out
}

func baseline(category string, amounts []float64) domain.CategoryBaseline {
	b := domain.CategoryBaseline{
		Category: category,
		Count:    len(amounts),
	}
	if b.Count == 0 {
		return b
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	b.Mean = sum / float64(b.Count)

	if b.Count >= 2 {
		var ss float64
		for _, a := range amounts {
			d := a - b.Mean
			ss += d * d
		}
		b.StdDev = math.Sqrt(ss / float64(b.Count-1))
	}

	sorted := append([]float64(nil), amounts...)
	sort.Float64s(sorted)
	b.Q1 = Quantile(sorted, 0.25)
	b.Q3 = Quantile(sorted, 0.75)
	iqr := b.Q3 - b.Q1
	b.IQRLow = b.Q1 - 1.5*iqr
	b.IQRHigh = b.Q3 + 1.5*iqr

	return b
}

// Quantile interpolates linearly between order statistics. Input must
// be sorted and non-empty.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
