package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/fraudshield/internal/decision"
	"github.com/mbd888/fraudshield/internal/geo"
	"github.com/mbd888/fraudshield/internal/idgen"
	"github.com/mbd888/fraudshield/internal/logging"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/mlscore"
	"github.com/mbd888/fraudshield/internal/rules"
	"github.com/mbd888/fraudshield/internal/syncutil"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
)

// Store is the part of the transaction store the orchestrator writes to.
type Store interface {
	Create(ctx context.Context, tx *transactions.Transaction) error
	Get(ctx context.Context, id string) (*transactions.Transaction, error)
}

// Scorer is the rule engine.
type Scorer interface {
	EvaluateTransaction(ctx context.Context, tx *transactions.Transaction) (*rules.Result, error)
	Threshold() float64
}

// Reconciler persists the final determination.
type Reconciler interface {
	Reconcile(ctx context.Context, transactionID string, rule decision.RuleInput, ml decision.MLInput) (*decision.Outcome, error)
}

// Orchestrator sequences the assessment stages for one transaction at a
// time. It is safe for concurrent use; runs for the same payer queue on a
// per-payer lock.
type Orchestrator struct {
	store      Store
	geo        geo.Resolver
	scorer     Scorer
	predictor  mlscore.Predictor
	reconciler Reconciler
	reporter   decision.Reporter
	listeners  []func(*Bundle)
	payers     *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator wires the assessment stages.
func NewOrchestrator(store Store, resolver geo.Resolver, scorer Scorer, predictor mlscore.Predictor, reconciler Reconciler, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		geo:        resolver,
		scorer:     scorer,
		predictor:  predictor,
		reconciler: reconciler,
		payers:     syncutil.NewKeyedMutex(),
		logger:     logger,
		now:        time.Now,
	}
}

// WithReporter sets the reporter run for fraudulent outcomes.
func (o *Orchestrator) WithReporter(r decision.Reporter) *Orchestrator {
	o.reporter = r
	return o
}

// WithListener adds a callback invoked with every completed bundle.
// Listeners must be added before the orchestrator is used.
func (o *Orchestrator) WithListener(fn func(*Bundle)) *Orchestrator {
	o.listeners = append(o.listeners, fn)
	return o
}

// Run assesses a new submission. Exactly one of the results is non-nil.
func (o *Orchestrator) Run(ctx context.Context, s Submission) (*Bundle, *Failure) {
	ctx, span := traces.StartSpan(o.withLogger(ctx), "pipeline.Run")
	defer span.End()

	facts, err := Normalize(s)
	if err != nil {
		return nil, o.fail(ctx, FailValidate, "", err)
	}

	id := idgen.New()
	ctx = logging.WithTransactionID(ctx, id)
	span.SetAttributes(traces.TransactionID(id), traces.PayerID(facts.PayerID))

	loc := o.geo.Lookup(ctx, facts.IP)
	tx := transactions.New(id, facts, loc.Region, loc.Country, o.now())

	err = o.stage(ctx, StageCreated, func(ctx context.Context) error {
		return o.store.Create(ctx, tx)
	})
	if err != nil {
		return nil, o.fail(ctx, FailCreate, id, fmt.Errorf("create transaction: %w", err))
	}

	return o.assess(ctx, tx, []Stage{StageCreated})
}

// Resume re-enters a transaction that is still pending, starting at the
// rule stage. A decided transaction yields a conflict failure.
func (o *Orchestrator) Resume(ctx context.Context, transactionID string) (*Bundle, *Failure) {
	ctx, span := traces.StartSpan(o.withLogger(ctx), "pipeline.Resume", traces.TransactionID(transactionID))
	defer span.End()
	ctx = logging.WithTransactionID(ctx, transactionID)

	tx, err := o.store.Get(ctx, transactionID)
	if err != nil {
		return nil, o.fail(ctx, FailRule, transactionID, err)
	}
	if tx.Decided() {
		return nil, o.fail(ctx, FailReconcile, transactionID, transactions.ErrAlreadyDecided)
	}

	logging.L(ctx).Info("resuming pending transaction")
	return o.assess(ctx, tx, []Stage{StageCreated})
}

// assess runs the scoring stages. Runs for the same payer are serialized
// in-process so each scores against its predecessors' decisions.
func (o *Orchestrator) assess(ctx context.Context, tx *transactions.Transaction, stages []Stage) (*Bundle, *Failure) {
	unlock, err := o.payers.Lock(ctx, tx.PayerID)
	if err != nil {
		return nil, o.fail(ctx, FailRule, tx.ID, fmt.Errorf("wait for payer lock: %w", err))
	}
	defer unlock()

	var result *rules.Result
	err = o.stage(ctx, StageRuleScored, func(ctx context.Context) error {
		r, err := o.scorer.EvaluateTransaction(ctx, tx)
		result = r
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, FailRule, tx.ID, err)
	}
	verdict := result.Verdict(o.scorer.Threshold())
	stages = append(stages, StageRuleScored)

	var ml *mlscore.Verdict
	err = o.stage(ctx, StageMLConsulted, func(ctx context.Context) error {
		v, err := o.predictor.Predict(ctx, mlscore.FeaturesFrom(tx, result))
		ml = v
		return err
	})
	if err != nil {
		if !errors.Is(err, mlscore.ErrUpstream) {
			err = fmt.Errorf("%w: %w", mlscore.ErrUpstream, err)
		}
		return nil, o.fail(ctx, FailML, tx.ID, err)
	}
	stages = append(stages, StageMLConsulted)

	var outcome *decision.Outcome
	err = o.stage(ctx, StageReconciled, func(ctx context.Context) error {
		out, err := o.reconciler.Reconcile(ctx, tx.ID,
			decision.RuleInput{IsFraud: verdict.IsFraud, Score: verdict.Score},
			decision.MLInput{Fraudulent: ml.Fraudulent},
		)
		outcome = out
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, FailReconcile, tx.ID, err)
	}
	stages = append(stages, StageReconciled)

	reported := o.report(ctx, outcome, verdict.Reason)
	if reported {
		stages = append(stages, StageReported)
	} else {
		stages = append(stages, StageSkipped)
	}
	stages = append(stages, StageDone)

	b := &Bundle{
		State:         tx.Region,
		Amount:        tx.Amount,
		IP:            tx.IP,
		TransactionID: tx.ID,
		PayerID:       tx.PayerID,
		RuleBased:     verdict,
		MLBased:       ml,
		FinalCheck:    finalCheck(outcome),
		Reported:      reported,
		Stages:        stages,
		Timestamp:     tx.CreatedAt,
	}

	outcomeLabel := "clean"
	if b.IsFraud() {
		outcomeLabel = "fraud"
	}
	metrics.AssessmentsTotal.WithLabelValues(outcomeLabel).Inc()
	logging.L(ctx).Info("transaction assessed",
		"payer_id", tx.PayerID,
		"state", tx.Region,
		"rule_score", verdict.Score,
		"rule_fraud", verdict.IsFraud,
		"ml_fraud", ml.Fraudulent,
		"is_fraud", outcome.IsFraud,
		"status", outcome.Status,
		"reported", reported,
	)

	for _, fn := range o.listeners {
		fn(b)
	}
	return b, nil
}

// report files a fraud report for a fraudulent outcome. Its failures are
// logged only: the reconciled decision is already committed.
func (o *Orchestrator) report(ctx context.Context, outcome *decision.Outcome, reason string) bool {
	if !outcome.IsFraud || o.reporter == nil {
		return false
	}
	err := o.stage(ctx, StageReported, func(ctx context.Context) error {
		return o.reporter.ReportOutcome(ctx, outcome, reason)
	})
	if err != nil {
		metrics.StageFailuresTotal.WithLabelValues("report", string(classify(err))).Inc()
		logging.L(ctx).Error("fraud report failed", "error", err)
		return false
	}
	return true
}

// withLogger attaches the orchestrator's logger unless the request already
// carries one.
func (o *Orchestrator) withLogger(ctx context.Context) context.Context {
	if logging.FromContext(ctx) == slog.Default() {
		return logging.WithLogger(ctx, o.logger)
	}
	return ctx
}

// stage runs fn inside its own span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, s Stage, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "pipeline."+string(s), traces.Stage(string(s)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(string(s)).Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err)
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, stage FailedStage, transactionID string, err error) *Failure {
	kind := classify(err)
	f := &Failure{
		Stage:         stage,
		Kind:          kind,
		Message:       failureMessage(kind, err),
		TransactionID: transactionID,
		Timestamp:     o.now().UTC(),
		Err:           err,
	}

	traces.Fail(trace.SpanFromContext(ctx), err)
	metrics.StageFailuresTotal.WithLabelValues(string(stage), string(kind)).Inc()
	metrics.AssessmentsTotal.WithLabelValues("failed").Inc()

	log := logging.L(ctx)
	if kind == KindValidation {
		log.Warn("assessment rejected", "stage", stage, "error", err)
	} else {
		log.Error("assessment failed", "stage", stage, "kind", kind, "error", err)
	}
	return f
}

func failureMessage(kind Kind, err error) string {
	switch kind {
	case KindValidation:
		return err.Error()
	case KindNotFound:
		return "Transaction not found"
	case KindConflict:
		return "Transaction has already been reconciled"
	case KindUpstream:
		return "ML scoring service unavailable"
	default:
		return "Failed to persist transaction state"
	}
}
