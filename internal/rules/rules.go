// Package rules implements the deterministic heuristic fraud scorer.
//
// A transaction's static facts and a snapshot of its payer's and payee's
// prior history are run through a fixed table of weighted rules. Every rule
// that fires adds its weight and appends a flag; the score is the capped sum.
// Labelling a transaction fraudulent is left to the caller through
// Result.Verdict and, finally, the decision reconciler.
package rules

import (
	"context"
	"time"

	"github.com/mbd888/fraudshield/internal/transactions"
)

// Flags, in the order the rule table evaluates them.
const (
	FlagHighValue           = "high-value transaction"
	FlagRoundAmount         = "round-amount transaction"
	FlagHighRiskCountry     = "high-risk country"
	FlagKnownFraudAddress   = "known fraudulent address"
	FlagFirstEver           = "first-ever transaction"
	FlagNewUserFirstPayee   = "new user, first payee"
	FlagEstablishedNewPayee = "established user, new payee"
	FlagMultipleFailures    = "multiple failed attempts"
	FlagUnusualFrequency    = "unusual frequency"
	FlagFarAboveAverage     = "amount far above average"
	FlagHighRiskMethod      = "high-risk payment method"
	FlagHighRiskChannel     = "high-risk channel"
	FlagPayeeHighFraudRate  = "payee has high fraud rate"

	FlagNotFound = "transaction not found"
)

// ReasonClean is the verdict reason when the score stays under threshold.
const ReasonClean = "No fraud detected"

// DefaultThreshold is the rule-only fraud threshold.
const DefaultThreshold = 0.7

// Config is the tunable part of the rule engine. Weights are fixed.
type Config struct {
	Threshold            float64
	Window               transactions.Window
	HighRiskCountries    []string // ISO alpha-2
	HighRiskPaymentModes []string
	HighRiskChannels     []string
}

// DefaultConfig returns the production rule configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		Window: transactions.Window{
			Velocity:          60 * time.Minute,
			Failure:           24 * time.Hour,
			HistoryLimit:      50,
			KnownFraudIPLimit: 1000,
		},
		HighRiskCountries:    []string{"PK", "US", "IR", "BY", "RU"},
		HighRiskPaymentModes: []string{"cryptocurrency", "wire_transfer", "gift_card"},
		HighRiskChannels:     []string{"api", "third_party_processor"},
	}
}

// Result is the rule engine's output for one transaction.
//
// A zero score with a single FlagNotFound flag means the transaction could
// not be located: the result is indeterminate, not clean. Found tells the
// two apart.
type Result struct {
	TransactionID  string   `json:"transaction_id"`
	Score          float64  `json:"fraud_score"`
	Flags          []string `json:"flags"`
	FailedAttempts int      `json:"failed_attempts"`
	Found          bool     `json:"-"`
}

// Verdict is the rule-only fraud label surfaced to callers.
type Verdict struct {
	TransactionID  string   `json:"transaction_id"`
	IsFraud        bool     `json:"is_fraud"`
	Reason         string   `json:"fraud_reason"`
	Score          float64  `json:"fraud_score"`
	FailedAttempts int      `json:"failed_attempts"`
	Flags          []string `json:"flags"`
}

// Verdict labels the result against threshold. The reason is the first
// flag raised when the score reaches the threshold.
func (r *Result) Verdict(threshold float64) Verdict {
	v := Verdict{
		TransactionID:  r.TransactionID,
		Reason:         ReasonClean,
		Score:          r.Score,
		FailedAttempts: r.FailedAttempts,
		Flags:          r.Flags,
	}
	if v.Flags == nil {
		v.Flags = []string{}
	}
	if !r.Found {
		v.Reason = "Transaction not found"
		return v
	}
	if r.Score >= threshold {
		v.IsFraud = true
		if len(r.Flags) > 0 {
			v.Reason = r.Flags[0]
		}
	}
	return v
}

// History is the read side of the transaction store the engine needs.
type History interface {
	Get(ctx context.Context, id string) (*transactions.Transaction, error)
	Aggregates(ctx context.Context, tx *transactions.Transaction, w transactions.Window) (*transactions.Aggregates, error)
}

func notFound(id string) *Result {
	return &Result{
		TransactionID: id,
		Flags:         []string{FlagNotFound},
	}
}
