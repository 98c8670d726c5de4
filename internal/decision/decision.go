// Package decision reconciles the rule-only and ML verdicts into the
// binding fraud determination and persists it.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/mlscore"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
)

// ReasonBothSystems is the report reason for a reconciled fraud decision.
const ReasonBothSystems = "Detected by both rule-based and ML-based systems"

// RuleInput is the part of the rule-only verdict the reconciler consumes.
type RuleInput struct {
	IsFraud bool    `json:"is_fraud"`
	Score   float64 `json:"fraud_score"`
}

// Consistent reports whether IsFraud agrees with Score at threshold.
func (r RuleInput) Consistent(threshold float64) bool {
	return r.IsFraud == (r.Score >= threshold)
}

// MLInput is the part of the predictor verdict the reconciler consumes.
type MLInput struct {
	Fraudulent bool `json:"fraudulent"`
}

// UnmarshalJSON accepts any predictor body mlscore can decode.
func (m *MLInput) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	v, err := mlscore.Decode(data)
	if err != nil {
		return err
	}
	m.Fraudulent = v.Fraudulent
	return nil
}

// Outcome is the persisted determination.
type Outcome struct {
	TransactionID  string                    `json:"transaction_id"`
	IsFraud        bool                      `json:"is_fraud"`
	Status         transactions.Status       `json:"status"`
	FraudScore     float64                   `json:"fraud_score"`
	FailedAttempts int                       `json:"failed_attempts"`
	Transaction    *transactions.Transaction `json:"-"`
}

// Decide computes the decision without persisting it. Fraud requires both
// detectors to agree; the persisted score is always the rule score.
func Decide(rule RuleInput, ml MLInput) transactions.Decision {
	isFraud := rule.IsFraud && ml.Fraudulent
	d := transactions.Decision{
		IsFraud:    isFraud,
		FraudScore: rule.Score,
		Status:     transactions.StatusCompleted,
	}
	if isFraud {
		d.Status = transactions.StatusFailed
		d.IncrementFailures = true
	}
	return d
}

// Store is the write side of the transaction store the reconciler needs.
type Store interface {
	ApplyDecision(ctx context.Context, id string, d transactions.Decision) (*transactions.Transaction, error)
	MarkReported(ctx context.Context, id string) error
}

// Reconciler is the only writer of a transaction's risk fields.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile decides and persists in one atomic store update. It returns
// transactions.ErrNotFound or transactions.ErrAlreadyDecided without
// writing anything, and transactions.ErrInvalidScore for a rule score
// outside [0,1].
func (r *Reconciler) Reconcile(ctx context.Context, transactionID string, rule RuleInput, ml MLInput) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "decision.Reconcile", traces.TransactionID(transactionID))
	defer span.End()

	if math.IsNaN(rule.Score) || rule.Score < 0 || rule.Score > 1 {
		traces.Fail(span, transactions.ErrInvalidScore)
		return nil, transactions.ErrInvalidScore
	}

	d := Decide(rule, ml)
	tx, err := r.store.ApplyDecision(ctx, transactionID, d)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("decision: apply: %w", err)
	}

	metrics.DecisionsTotal.WithLabelValues(string(tx.PaymentStatus)).Inc()
	logging.L(ctx).Info("transaction reconciled",
		"transaction_id", tx.ID,
		"is_fraud", tx.IsFraud,
		"status", tx.PaymentStatus,
		"rule_fraud", rule.IsFraud,
		"ml_fraud", ml.Fraudulent,
	)

	return &Outcome{
		TransactionID:  tx.ID,
		IsFraud:        tx.IsFraud,
		Status:         tx.PaymentStatus,
		FraudScore:     d.FraudScore,
		FailedAttempts: tx.FailedAttempts,
		Transaction:    tx,
	}, nil
}

// MarkReported flags the transaction as reported to the regulator.
func (r *Reconciler) MarkReported(ctx context.Context, transactionID string) error {
	if err := r.store.MarkReported(ctx, transactionID); err != nil {
		return fmt.Errorf("decision: mark reported: %w", err)
	}
	return nil
}
