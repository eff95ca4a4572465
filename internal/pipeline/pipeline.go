// Package pipeline wires the feature builder, the three scorers, and
// the aggregator into the anomaly detection entry point.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/forest"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// EngineVersion is stamped into report metadata.
const EngineVersion = "kestrel-1.0"

// Detector runs one batch through the full scoring pipeline. Every call
// is a pure function of the input batch and the configuration: the
// fitted model, feature matrix, and rule state are local to the call
// and discarded with it.
type Detector struct {
	cfg    domain.DetectionConfig
	engine *rules.Engine // optional custom CEL rules
}

// Option customizes a Detector.
type Option func(*Detector)

// WithCustomRules attaches a custom rule engine to the pipeline.
func WithCustomRules(engine *rules.Engine) Option {
	return func(d *Detector) {
		d.engine = engine
	}
}

// New validates the configuration and builds a detector. An invalid
// configuration fails here, before any scoring work starts.
func New(cfg domain.DetectionConfig, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the detector's configuration.
func (d *Detector) Config() domain.DetectionConfig {
	return d.cfg
}

// Detect scores the supplied batch and returns the report. The three
// scorers run in parallel over the immutable feature matrix; only the
// ensemble stage is subject to a timeout and degrades to nil scores.
func (d *Detector) Detect(ctx context.Context, txs []domain.Transaction) (*domain.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	featureStart := time.Now()
	matrix, issues := features.Build(txs)
	ruleOnly := ruleOnlyRows(txs, issues)
	baselines := stats.Baselines(matrix.Transactions)
	featureMs := time.Since(featureStart).Milliseconds()

	var (
		statScores map[string]float64
		ensScores  []float64
		ensReason  string
		builtin    map[string][]rules.Firing
		custom     []domain.RuleResult

		statsMs, ensembleMs, rulesMs int64
	)

	done := make(chan struct{}, 3)

	go func() {
		t := time.Now()
		scorer := stats.NewScorer(d.cfg.SigmaThreshold)
		statScores = scorer.ScoreAgainst(matrix.Transactions, baselines)
		statsMs = time.Since(t).Milliseconds()
		done <- struct{}{}
	}()

	go func() {
		t := time.Now()
		ensScores, ensReason = d.fitEnsemble(ctx, matrix)
		ensembleMs = time.Since(t).Milliseconds()
		done <- struct{}{}
	}()

	go func() {
		t := time.Now()
		builtin = rules.ApplyBuiltin(txs, baselines, rules.BuiltinParams{
			VelocityWindow:      time.Duration(d.cfg.VelocityWindowMinutes) * time.Minute,
			VelocityThreshold:   d.cfg.VelocityCountThreshold,
			LargeAmountCeiling:  d.cfg.LargeAmountCeiling,
			NewMerchantMultiple: d.cfg.NewMerchantMultiple,
		})
		if d.engine != nil && d.engine.RulesCount() > 0 {
			counts := velocity.Counts(txs, time.Duration(d.cfg.VelocityWindowMinutes)*time.Minute)
			evalTxs := append(append([]domain.Transaction(nil), matrix.Transactions...), ruleOnly...)
			custom = d.engine.EvaluateBatch(ctx, evalTxs, counts)
		}
		rulesMs = time.Since(t).Milliseconds()
		done <- struct{}{}
	}()

	for i := 0; i < 3; i++ {
		<-done
	}

	rep := report.Aggregate(&report.Input{
		Scored:                matrix.Transactions,
		RuleOnly:              ruleOnly,
		Statistical:           statScores,
		Baselines:             baselines,
		Ensemble:              ensScores,
		EnsembleSkipReason:    ensReason,
		Builtin:               builtin,
		Custom:                custom,
		Quality:               issues,
		SigmaThreshold:        d.cfg.SigmaThreshold,
		ContaminationFraction: d.cfg.ContaminationFraction,
	})

	rep.ID = uuid.New().String()
	rep.GeneratedAt = time.Now().UTC()
	rep.Metadata = domain.ReportMetadata{
		FeatureMs:     featureMs,
		StatsMs:       statsMs,
		EnsembleMs:    ensembleMs,
		RulesMs:       rulesMs,
		TotalMs:       time.Since(start).Milliseconds(),
		EngineVersion: EngineVersion,
	}

	return rep, nil
}

// fitEnsemble runs the isolation forest stage. It never aborts the run:
// small batches, degenerate matrices, fit panics, and timeouts all
// degrade to nil scores with a skip reason.
func (d *Detector) fitEnsemble(ctx context.Context, matrix *features.Matrix) ([]float64, string) {
	n := matrix.Len()
	if n == 0 {
		return nil, "no scoreable transactions"
	}
	if n < d.cfg.MinBatchSizeForEnsemble {
		return nil, fmt.Sprintf("batch size %d below minimum %d for ensemble scoring", n, d.cfg.MinBatchSizeForEnsemble)
	}

	type result struct {
		scores []float64
		reason string
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ensemble fit panicked", "panic", r)
				resCh <- result{reason: fmt.Sprintf("ensemble fit failed: %v", r)}
			}
		}()

		f := forest.New(d.cfg.EnsembleTreeCount, d.cfg.RandomSeed)
		if err := f.Fit(matrix.Rows); err != nil {
			slog.Warn("ensemble fit skipped", "error", err)
			resCh <- result{reason: fmt.Sprintf("ensemble fit failed: %v", err)}
			return
		}
		resCh <- result{scores: f.Scores(matrix.Rows)}
	}()

	var timeout <-chan time.Time
	if d.cfg.EnsembleTimeout > 0 {
		timer := time.NewTimer(d.cfg.EnsembleTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-resCh:
		return res.scores, res.reason
	case <-timeout:
		slog.Warn("ensemble fit timed out", "timeout", d.cfg.EnsembleTimeout, "batch_size", n)
		return nil, "ensemble fitting timed out"
	case <-ctx.Done():
		return nil, "scoring cancelled before ensemble completed"
	}
}

// ruleOnlyRows picks the expense rows excluded from the matrix for a
// non-positive amount; they still receive a rule-engine verdict.
func ruleOnlyRows(txs []domain.Transaction, issues []domain.DataQualityIssue) []domain.Transaction {
	scoreable := make(map[string]bool, len(issues))
	for _, issue := range issues {
		if issue.Scoreable() {
			scoreable[issue.TransactionID] = true
		}
	}
	if len(scoreable) == 0 {
		return nil
	}
	var out []domain.Transaction
	for _, tx := range txs {
		if scoreable[tx.ID] {
			out = append(out, tx)
		}
	}
	return out
}
