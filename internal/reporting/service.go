package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/fraudshield/internal/decision"
	"github.com/mbd888/fraudshield/internal/idgen"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
	"github.com/mbd888/fraudshield/internal/validation"
)

// TransactionReader loads the transaction being reported.
type TransactionReader interface {
	Get(ctx context.Context, id string) (*transactions.Transaction, error)
}

// Marker sets the reported flag on a transaction.
type Marker interface {
	MarkReported(ctx context.Context, id string) error
}

// Config configures the reporting service.
type Config struct {
	ReportingEntityID string
	NotifyTimeout     time.Duration
}

// Service files fraud reports and dispatches payer alerts.
type Service struct {
	reports   Store
	txs       TransactionReader
	marker    Marker
	directory Directory
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	listeners []func(*Report)

	wg sync.WaitGroup
}

// NewService wires a reporting service.
func NewService(reports Store, txs TransactionReader, marker Marker, directory Directory, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		reports:   reports,
		txs:       txs,
		marker:    marker,
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

var _ decision.Reporter = (*Service)(nil)

// OnReport registers fn to be called after each newly filed report.
func (s *Service) OnReport(fn func(*Report)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Report files a report for req.TransactionID and alerts the payer. Only a
// transaction reconciled as fraud can be reported; anything else, pending
// included, gets ErrNotFraudulent. Reporting an already reported transaction
// returns the existing report and sends nothing.
func (s *Service) Report(ctx context.Context, req Request) (*Report, error) {
	if errs := validation.Validate(validation.Required("transaction_id", req.TransactionID)); len(errs) > 0 {
		return nil, errs
	}
	if req.FraudScore != nil {
		if errs := validation.Validate(validation.Score("fraud_score", *req.FraudScore)); len(errs) > 0 {
			return nil, errs
		}
	}

	ctx, span := traces.StartSpan(ctx, "reporting.Report", traces.TransactionID(req.TransactionID))
	defer span.End()

	tx, err := s.txs.Get(ctx, req.TransactionID)
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, transactions.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reporting: load transaction: %w", err)
	}
	if !tx.IsFraud {
		traces.Fail(span, ErrNotFraudulent)
		return nil, ErrNotFraudulent
	}

	report := s.newReport(tx, req)
	err = s.reports.Create(ctx, report)
	if errors.Is(err, ErrAlreadyReported) {
		existing, getErr := s.reports.GetByTransaction(ctx, tx.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reporting: load existing report: %w", getErr)
		}
		return existing, nil
	}
	if err != nil {
		traces.Fail(span, err)
		return nil, fmt.Errorf("reporting: create report: %w", err)
	}
	metrics.FraudReportsTotal.Inc()

	if err := s.marker.MarkReported(ctx, tx.ID); err != nil {
		// The report stands; the flag can be repaired from fraud_reports.
		s.logger.Error("failed to mark transaction reported", "transaction_id", tx.ID, "error", err)
	}

	s.logger.Info("fraud reported",
		"transaction_id", tx.ID,
		"report_id", report.ID,
		"entity", report.ReportingEntityID,
		"reason", report.Reason,
	)

	s.dispatch(tx, report)
	s.publish(report)
	return report, nil
}

// ReportOutcome files a report for a reconciled fraudulent outcome.
func (s *Service) ReportOutcome(ctx context.Context, o *decision.Outcome, reason string) error {
	score := o.FraudScore
	_, err := s.Report(ctx, Request{TransactionID: o.TransactionID, FraudScore: &score, Reason: reason})
	return err
}

// Get returns the report filed for a transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*Report, error) {
	return s.reports.GetByTransaction(ctx, transactionID)
}

// Wait blocks until all in-flight notifications have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) newReport(tx *transactions.Transaction, req Request) *Report {
	score := 0.0
	switch {
	case tx.FraudScore != nil:
		score = *tx.FraudScore
	case req.FraudScore != nil:
		score = *req.FraudScore
	}
	reason := req.Reason
	if reason == "" {
		reason = DefaultReason
	}
	return &Report{
		ID:                idgen.WithPrefix("frpt_"),
		TransactionID:     tx.ID,
		Amount:            tx.Amount,
		PayerID:           tx.PayerID,
		PayeeID:           tx.PayeeID,
		FraudScore:        score,
		Reason:            reason,
		ReportingEntityID: s.cfg.ReportingEntityID,
		TransactionTime:   tx.CreatedAt,
		CreatedAt:         s.now().UTC(),
	}
}

// dispatch alerts the payer on a detached goroutine. The caller's context
// is not used: the request may finish before the SMS does.
func (s *Service) dispatch(tx *transactions.Transaction, report *Report) {
	errc := make(chan error, 1)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		errc <- s.notify(ctx, tx, report)
	}()
	go func() {
		defer s.wg.Done()
		s.observe(tx.ID, <-errc)
	}()
}

var errNoPhone = errors.New("no phone number for payer")

func (s *Service) notify(ctx context.Context, tx *transactions.Transaction, report *Report) error {
	user, err := s.directory.Lookup(ctx, tx.PayerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return errNoPhone
		}
		return fmt.Errorf("look up payer: %w", err)
	}
	if user.Phone == "" {
		return errNoPhone
	}

	return s.notifier.Notify(ctx, Message{
		To:            user.Phone,
		Body:          AlertBody(tx.ID, report.Reason),
		TransactionID: tx.ID,
	})
}

func (s *Service) observe(transactionID string, err error) {
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		s.logger.Info("fraud alert sent", "transaction_id", transactionID)
	case errors.Is(err, errNoPhone):
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		s.logger.Warn("could not find payer's phone number to send alert", "transaction_id", transactionID)
	default:
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("fraud alert failed", "transaction_id", transactionID, "error", err)
	}
}

func (s *Service) publish(r *Report) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(r)
	}
}
