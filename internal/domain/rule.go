package domain

// Built-in rule identifiers. Priority order for reason selection is
// fixed: negative/zero amount > velocity > new merchant > absolute ceiling,
// with custom rules below all built-ins.
const (
	RuleNegativeOrZeroAmount   = "NEGATIVE_OR_ZERO_AMOUNT"
	RuleHighVelocity           = "HIGH_VELOCITY"
	RuleNewMerchantLargeAmount = "NEW_MERCHANT_LARGE_AMOUNT"
	RuleLargeAbsoluteAmount    = "LARGE_ABSOLUTE_AMOUNT"
)

// RulePriority returns the precedence of a rule ID when picking the
// dominant reason for a verdict. Lower is more important. Unknown IDs
// (custom rules) rank below every built-in.
func RulePriority(ruleID string) int {
	switch ruleID {
	case RuleNegativeOrZeroAmount:
		return 0
	case RuleHighVelocity:
		return 1
	case RuleNewMerchantLargeAmount:
		return 2
	case RuleLargeAbsoluteAmount:
		return 3
	default:
		return 4
	}
}

// RuleConfig defines a user-authored custom anomaly rule.
// The expression is CEL over the transaction variables exposed by the
// rule engine (amount, category, merchant, tx_type, hour, day_of_week,
// velocity_count).
type RuleConfig struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Expression must evaluate to bool, int, or double.
	Expression string `json:"expression"`

	// Bands map the numeric result to an outcome.
	Bands []RuleBand `json:"bands"`

	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// RuleBand maps a score range to an outcome.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Outcome    string   `json:"outcome"` // ".pass", ".flag"
	Reason     string   `json:"reason"`
}

// RuleResult is the output of evaluating one custom rule against one
// transaction.
type RuleResult struct {
	RuleID        string  `json:"ruleId"`
	TransactionID string  `json:"transactionId"`
	Outcome       string  `json:"outcome"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	Weight        float64 `json:"weight"`
}

// Custom rule outcomes.
const (
	RuleOutcomePass  = ".pass"
	RuleOutcomeFlag  = ".flag"
	RuleOutcomeError = ".err"
)

// Fired reports whether the result should contribute a flag to the
// transaction's verdict.
func (r RuleResult) Fired() bool {
	return r.Outcome == RuleOutcomeFlag
}
