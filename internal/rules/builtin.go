package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// BuiltinParams configures the fixed rule set. Derived from the
// detection configuration for one run.
type BuiltinParams struct {
	VelocityWindow      time.Duration
	VelocityThreshold   int
	LargeAmountCeiling  float64 // zero disables LARGE_ABSOLUTE_AMOUNT
	NewMerchantMultiple float64
}

// Firing records one rule hit with its explanation.
type Firing struct {
	RuleID string
	Reason string
}

// ApplyBuiltin evaluates the fixed rule set over the batch. Each rule is
// pure and independent; a transaction accumulates every rule that fired.
// Firings per transaction are ordered by rule priority. Only expense
// transactions are flagged.
func ApplyBuiltin(txs []domain.Transaction, baselines map[string]domain.CategoryBaseline, p BuiltinParams) map[string][]Firing {
	out := make(map[string][]Firing)
	add := func(txID, ruleID, reason string) {
		out[txID] = append(out[txID], Firing{RuleID: ruleID, Reason: reason})
	}

	counts := velocity.Counts(txs, p.VelocityWindow)
	merchantSeen := merchantCounts(txs)

	for _, tx := range txs {
		if !tx.IsExpense() || !domain.ValidAmount(tx.Amount) {
			continue
		}

		if tx.Amount <= 0 {
			add(tx.ID, domain.RuleNegativeOrZeroAmount,
				fmt.Sprintf("amount %.2f is zero or negative", tx.Amount))
			// a broken amount disqualifies the remaining amount-based rules
			continue
		}

		if c := counts[tx.ID]; c > p.VelocityThreshold {
			add(tx.ID, domain.RuleHighVelocity,
				fmt.Sprintf("%d expense transactions within %d minutes (threshold %d)",
					c, int(p.VelocityWindow.Minutes()), p.VelocityThreshold))
		}

		if tx.Merchant != "" && merchantSeen[tx.Merchant] == 1 {
			if b, ok := baselines[tx.Category]; ok && b.Count >= 2 && b.Mean > 0 &&
				tx.Amount > b.Mean*p.NewMerchantMultiple {
				add(tx.ID, domain.RuleNewMerchantLargeAmount,
					fmt.Sprintf("first purchase at %q: %.2f exceeds %.1fx the %s average of %.2f",
						tx.Merchant, tx.Amount, p.NewMerchantMultiple, tx.Category, b.Mean))
			}
		}

		if p.LargeAmountCeiling > 0 && tx.Amount > p.LargeAmountCeiling {
			add(tx.ID, domain.RuleLargeAbsoluteAmount,
				fmt.Sprintf("amount %.2f exceeds the configured ceiling of %.2f",
					tx.Amount, p.LargeAmountCeiling))
		}
	}

	for id := range out {
		firings := out[id]
		sort.SliceStable(firings, func(a, b int) bool {
			return domain.RulePriority(firings[a].RuleID) < domain.RulePriority(firings[b].RuleID)
		})
	}
	return out
}

func merchantCounts(txs []domain.Transaction) map[string]int {
	seen := make(map[string]int)
	for _, tx := range txs {
		if tx.Merchant != "" {
			seen[tx.Merchant]++
		}
	}
	return seen
}
