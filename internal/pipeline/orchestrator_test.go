package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudshield/internal/decision"
	"github.com/mbd888/fraudshield/internal/geo"
	"github.com/mbd888/fraudshield/internal/mlscore"
	"github.com/mbd888/fraudshield/internal/reporting"
	"github.com/mbd888/fraudshield/internal/rules"
	"github.com/mbd888/fraudshield/internal/transactions"
)

type stubPredictor struct {
	mu       sync.Mutex
	verdict  *mlscore.Verdict
	err      error
	features []mlscore.Features
}

func (p *stubPredictor) Predict(_ context.Context, f mlscore.Features) (*mlscore.Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.features = append(p.features, f)
	if p.err != nil {
		return nil, p.err
	}
	return p.verdict, nil
}

func fraudulent(v bool) *mlscore.Verdict {
	if v {
		return &mlscore.Verdict{Fraudulent: true, Raw: []byte(`{"fraudulent":true}`)}
	}
	return &mlscore.Verdict{Raw: []byte(`{"fraudulent":false}`)}
}

// riskyHistory reports three recent failures and a payee fraud ratio above
// 0.1 for every transaction, on top of an otherwise empty history.
type riskyHistory struct {
	*transactions.MemoryStore
}

func (h riskyHistory) Aggregates(ctx context.Context, tx *transactions.Transaction, w transactions.Window) (*transactions.Aggregates, error) {
	agg, err := h.MemoryStore.Aggregates(ctx, tx, w)
	if err != nil {
		return nil, err
	}
	agg.RecentFailures = 3
	agg.PayeeFraudRatio = 0.5
	return agg, nil
}

type failingScorer struct{}

func (failingScorer) EvaluateTransaction(context.Context, *transactions.Transaction) (*rules.Result, error) {
	return nil, errors.New("aggregate query timed out")
}

func (failingScorer) Threshold() float64 { return rules.DefaultThreshold }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []reporting.Message
}

func (n *recordingNotifier) Notify(_ context.Context, m reporting.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type failingReporter struct{ calls int }

func (r *failingReporter) ReportOutcome(context.Context, *decision.Outcome, string) error {
	r.calls++
	return errors.New("reports table unavailable")
}

var resolver = geo.Static{
	"103.21.58.10": {Region: "Kerala", Country: "IN"},
	"45.33.32.156": {Region: "California", Country: "US"},
}

type harness struct {
	orch      *Orchestrator
	store     *transactions.MemoryStore
	predictor *stubPredictor
	reports   *reporting.MemoryStore
	service   *reporting.Service
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, history rules.History, store *transactions.MemoryStore) *harness {
	t.Helper()
	predictor := &stubPredictor{verdict: fraudulent(true)}
	reconciler := decision.NewReconciler(store, nil)
	reports := reporting.NewMemoryStore()
	notifier := &recordingNotifier{}
	svc := reporting.NewService(reports, store, reconciler,
		reporting.NewMemoryDirectory(&reporting.User{PayerID: "payer-1", Name: "Asha", Phone: "+919800000001"}),
		notifier, reporting.Config{ReportingEntityID: "bank-001"}, nil)

	engine := rules.NewEngine(history, rules.DefaultConfig(), nil)
	orch := NewOrchestrator(store, resolver, engine, predictor, reconciler, nil).WithReporter(svc)
	t.Cleanup(svc.Wait)
	return &harness{orch: orch, store: store, predictor: predictor, reports: reports, service: svc, notifier: notifier}
}

func cryptoSubmission() Submission {
	return Submission{
		Amount:         "15000",
		PayerID:        "payer-1",
		PayeeID:        "payee-1",
		PaymentMode:    "cryptocurrency",
		PaymentChannel: "web",
		IP:             "103.21.58.10",
	}
}

func TestRun_FirstEverCryptoIsNotFraud(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)

	b, f := h.orch.Run(context.Background(), cryptoSubmission())
	require.Nil(t, f)
	require.NotNil(t, b)

	assert.InDelta(t, 0.40, b.RuleBased.Score, 1e-9)
	assert.Equal(t, []string{rules.FlagHighValue, rules.FlagFirstEver, rules.FlagHighRiskMethod}, b.RuleBased.Flags)
	assert.False(t, b.RuleBased.IsFraud)
	assert.True(t, b.MLBased.Fraudulent)

	assert.False(t, b.IsFraud())
	assert.Equal(t, transactions.StatusCompleted, b.FinalCheck.Status)
	assert.False(t, b.Reported)
	assert.Equal(t, "Kerala", b.State)
	assert.Equal(t, []Stage{StageCreated, StageRuleScored, StageMLConsulted, StageReconciled, StageSkipped, StageDone}, b.Stages)

	tx, err := store.Get(context.Background(), b.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCompleted, tx.PaymentStatus)
	assert.Equal(t, 0, tx.FailedAttempts)
	require.NotNil(t, tx.FraudScore)
	assert.InDelta(t, 0.40, *tx.FraudScore, 1e-9)

	h.service.Wait()
	assert.Equal(t, 0, h.notifier.count())
}

func TestRun_RepeatOffenderIsReportedAndNotified(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, riskyHistory{store}, store)

	b, f := h.orch.Run(context.Background(), cryptoSubmission())
	require.Nil(t, f)

	assert.InDelta(t, 0.90, b.RuleBased.Score, 1e-9)
	assert.True(t, b.RuleBased.IsFraud)
	assert.Equal(t, rules.FlagHighValue, b.RuleBased.Reason)
	assert.Contains(t, b.RuleBased.Flags, rules.FlagMultipleFailures)
	assert.Contains(t, b.RuleBased.Flags, rules.FlagPayeeHighFraudRate)

	assert.True(t, b.IsFraud())
	assert.Equal(t, transactions.StatusFailed, b.FinalCheck.Status)
	assert.True(t, b.Reported)
	assert.Equal(t, StageReported, b.Stages[4])

	tx, err := store.Get(context.Background(), b.TransactionID)
	require.NoError(t, err)
	assert.True(t, tx.IsFraud)
	assert.Equal(t, transactions.StatusFailed, tx.PaymentStatus)
	assert.Equal(t, 1, tx.FailedAttempts)
	assert.True(t, tx.FraudReported)

	report, err := h.reports.GetByTransaction(context.Background(), b.TransactionID)
	require.NoError(t, err)
	assert.InDelta(t, 0.90, report.FraudScore, 1e-9)
	assert.Equal(t, rules.FlagHighValue, report.Reason)

	h.service.Wait()
	assert.Equal(t, 1, h.notifier.count())

	require.Len(t, h.predictor.features, 1)
	assert.Equal(t, 3, h.predictor.features[0].FailedAttempt)
	assert.Equal(t, "Kerala", h.predictor.features[0].State)
}

func TestRun_RuleFraudWithoutMLIsClean(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, riskyHistory{store}, store)
	h.predictor.verdict = fraudulent(false)

	b, f := h.orch.Run(context.Background(), cryptoSubmission())
	require.Nil(t, f)
	assert.True(t, b.RuleBased.IsFraud)
	assert.False(t, b.IsFraud())
	assert.Equal(t, transactions.StatusCompleted, b.FinalCheck.Status)

	_, err := h.reports.GetByTransaction(context.Background(), b.TransactionID)
	assert.ErrorIs(t, err, reporting.ErrReportNotFound)
}

func TestRun_ValidationFailureWritesNothing(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)

	b, f := h.orch.Run(context.Background(), Submission{Amount: "100", PayerID: "payer-1"})
	assert.Nil(t, b)
	require.NotNil(t, f)
	assert.Equal(t, FailValidate, f.Stage)
	assert.Equal(t, KindValidation, f.Kind)
	assert.Contains(t, f.Message, "payee_id")
	assert.Empty(t, f.TransactionID)
	assert.Equal(t, 400, f.HTTPStatus())

	items, err := store.List(context.Background(), transactions.Filter{}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRun_MLFailureLeavesPendingThenResume(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, riskyHistory{store}, store)
	h.predictor.err = errors.New("connection refused")

	b, f := h.orch.Run(context.Background(), cryptoSubmission())
	assert.Nil(t, b)
	require.NotNil(t, f)
	assert.Equal(t, FailML, f.Stage)
	assert.Equal(t, KindUpstream, f.Kind)
	assert.ErrorIs(t, f, mlscore.ErrUpstream)
	assert.Equal(t, 502, f.HTTPStatus())
	require.NotEmpty(t, f.TransactionID)

	tx, err := store.Get(context.Background(), f.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, tx.PaymentStatus)
	assert.Nil(t, tx.FraudScore)

	h.predictor.err = nil
	b, f = h.orch.Resume(context.Background(), tx.ID)
	require.Nil(t, f)
	assert.Equal(t, tx.ID, b.TransactionID)
	assert.True(t, b.IsFraud())
	assert.True(t, b.Reported)

	_, f = h.orch.Resume(context.Background(), tx.ID)
	require.NotNil(t, f)
	assert.Equal(t, KindConflict, f.Kind)
	assert.Equal(t, 409, f.HTTPStatus())
}

func TestResume_NotFound(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)

	_, f := h.orch.Resume(context.Background(), "7d5c2b4e-8f0a-4c1e-9b7d-2f3a4b5c6d7e")
	require.NotNil(t, f)
	assert.Equal(t, KindNotFound, f.Kind)
	assert.Equal(t, 404, f.HTTPStatus())
}

func TestRun_RuleFailure(t *testing.T) {
	store := transactions.NewMemoryStore()
	predictor := &stubPredictor{verdict: fraudulent(true)}
	orch := NewOrchestrator(store, resolver, failingScorer{}, predictor, decision.NewReconciler(store, nil), nil)

	_, f := orch.Run(context.Background(), cryptoSubmission())
	require.NotNil(t, f)
	assert.Equal(t, FailRule, f.Stage)
	assert.Equal(t, KindPersistence, f.Kind)
	assert.Empty(t, predictor.features)

	tx, err := store.Get(context.Background(), f.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, tx.PaymentStatus)
}

func TestRun_ReportFailureDoesNotFailRun(t *testing.T) {
	store := transactions.NewMemoryStore()
	reporter := &failingReporter{}
	engine := rules.NewEngine(riskyHistory{store}, rules.DefaultConfig(), nil)
	orch := NewOrchestrator(store, resolver, engine, &stubPredictor{verdict: fraudulent(true)},
		decision.NewReconciler(store, nil), nil).WithReporter(reporter)

	b, f := orch.Run(context.Background(), cryptoSubmission())
	require.Nil(t, f)
	assert.Equal(t, 1, reporter.calls)
	assert.True(t, b.IsFraud())
	assert.False(t, b.Reported)
	assert.Contains(t, b.Stages, StageSkipped)

	tx, err := store.Get(context.Background(), b.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusFailed, tx.PaymentStatus)
}

func TestRun_HighRiskCountryFromGeo(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)
	s := cryptoSubmission()
	s.IP = "45.33.32.156"

	b, f := h.orch.Run(context.Background(), s)
	require.Nil(t, f)
	assert.Equal(t, "California", b.State)
	assert.Contains(t, b.RuleBased.Flags, rules.FlagHighRiskCountry)
}

func TestRun_UnknownRegion(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)
	s := cryptoSubmission()
	s.IP = ""

	b, f := h.orch.Run(context.Background(), s)
	require.Nil(t, f)
	assert.Equal(t, geo.Unknown, b.State)
}

func TestRun_Listener(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)

	var got []*Bundle
	h.orch.WithListener(func(b *Bundle) { got = append(got, b) })

	b, f := h.orch.Run(context.Background(), cryptoSubmission())
	require.Nil(t, f)
	require.Len(t, got, 1)
	assert.Equal(t, b.TransactionID, got[0].TransactionID)

	_, f = h.orch.Run(context.Background(), Submission{})
	require.NotNil(t, f)
	assert.Len(t, got, 1)
}

func TestRun_WaitsForSamePayer(t *testing.T) {
	store := transactions.NewMemoryStore()
	h := newHarness(t, store, store)

	unlock, err := h.orch.payers.Lock(context.Background(), "payer-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, f := h.orch.Run(ctx, cryptoSubmission())
	require.NotNil(t, f)
	assert.Equal(t, FailRule, f.Stage)
	assert.ErrorIs(t, f, context.DeadlineExceeded)

	tx, err := store.Get(context.Background(), f.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, tx.PaymentStatus, "left pending for resume")

	unlock()
	b, f := h.orch.Resume(context.Background(), tx.ID)
	require.Nil(t, f)
	assert.Equal(t, tx.ID, b.TransactionID)
}
