package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
)

// Engine scores stored transactions against their prior history.
type Engine struct {
	history History
	cfg     Config
	logger  *slog.Logger
}

// NewEngine creates a rule engine reading from history.
func NewEngine(history History, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{history: history, cfg: cfg, logger: logger}
}

// Threshold returns the rule-only fraud threshold.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }

// Evaluate loads the transaction and scores it. A missing transaction is
// not an error: the result carries FlagNotFound and Found is false.
func (e *Engine) Evaluate(ctx context.Context, transactionID string) (*Result, error) {
	tx, err := e.history.Get(ctx, transactionID)
	if errors.Is(err, transactions.ErrNotFound) {
		return notFound(transactionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: load transaction: %w", err)
	}
	return e.EvaluateTransaction(ctx, tx)
}

// EvaluateTransaction scores an already loaded transaction.
func (e *Engine) EvaluateTransaction(ctx context.Context, tx *transactions.Transaction) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "rules.Evaluate", traces.TransactionID(tx.ID), traces.PayerID(tx.PayerID))
	defer span.End()

	agg, err := e.history.Aggregates(ctx, tx, e.cfg.Window)
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("rules: read aggregates: %w", err)
	}

	result := Score(e.cfg, tx, agg)
	span.SetAttributes(traces.Score(result.Score))

	metrics.RuleScore.Observe(result.Score)
	for _, f := range result.Flags {
		metrics.RuleFlagsTotal.WithLabelValues(f).Inc()
	}

	logging.L(ctx).Debug("rules evaluated",
		"transaction_id", tx.ID,
		"score", result.Score,
		"flags", result.Flags,
		"failed_attempts", result.FailedAttempts,
	)
	return result, nil
}
