// Package transactions is the durable record of every assessed transaction.
//
// A transaction is created once with its immutable facts and status pending.
// Its risk fields (is_fraud, fraud_score, failed_attempts, payment_status)
// change exactly once, through ApplyDecision, and FraudReported is set only
// through MarkReported.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/pagination"
)

var (
	ErrNotFound       = errors.New("transactions: not found")
	ErrAlreadyDecided = errors.New("transactions: already decided")
	ErrInvalidScore   = errors.New("transactions: fraud score out of range")
	ErrInvalidStatus  = errors.New("transactions: invalid decision status")
	ErrDuplicateID    = errors.New("transactions: duplicate id")
)

// Status is the payment status of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Facts are the immutable inputs of a transaction, already normalized.
type Facts struct {
	Amount         decimal.Decimal
	PayerID        string
	PayeeID        string
	PaymentMode    string
	PaymentChannel string
	IP             string
}

// Transaction is the unit of risk assessment.
type Transaction struct {
	ID             string          `json:"transaction_id"`
	Amount         decimal.Decimal `json:"amount"`
	PayerID        string          `json:"payer_id"`
	PayeeID        string          `json:"payee_id"`
	PaymentMode    string          `json:"payment_mode"`
	PaymentChannel string          `json:"payment_channel"`
	IP             string          `json:"ip"`
	Region         string          `json:"state"`
	Country        string          `json:"country,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`

	IsFraud        bool       `json:"is_fraud"`
	FraudScore     *float64   `json:"fraud_score"`
	FailedAttempts int        `json:"failed_attempts"`
	FraudReported  bool       `json:"fraud_reported"`
	PaymentStatus  Status     `json:"payment_status"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// New builds a pending transaction from normalized facts.
func New(id string, f Facts, region, country string, now time.Time) *Transaction {
	return &Transaction{
		ID:             id,
		Amount:         f.Amount,
		PayerID:        f.PayerID,
		PayeeID:        f.PayeeID,
		PaymentMode:    f.PaymentMode,
		PaymentChannel: f.PaymentChannel,
		IP:             f.IP,
		Region:         region,
		Country:        country,
		CreatedAt:      now.UTC(),
		PaymentStatus:  StatusPending,
	}
}

// Decided reports whether the transaction has left pending.
func (t *Transaction) Decided() bool {
	return t.PaymentStatus != StatusPending
}

func (t *Transaction) clone() *Transaction {
	c := *t
	if t.FraudScore != nil {
		s := *t.FraudScore
		c.FraudScore = &s
	}
	if t.DecidedAt != nil {
		d := *t.DecidedAt
		c.DecidedAt = &d
	}
	return &c
}

// Decision is the reconciled outcome written in one atomic update.
type Decision struct {
	IsFraud           bool
	FraudScore        float64
	Status            Status // completed or failed
	IncrementFailures bool   // add one to failed_attempts
}

func (d Decision) validate() error {
	if d.FraudScore < 0 || d.FraudScore > 1 || d.FraudScore != d.FraudScore {
		return ErrInvalidScore
	}
	if d.Status != StatusCompleted && d.Status != StatusFailed {
		return ErrInvalidStatus
	}
	return nil
}

// Window bounds the history queries behind Aggregates.
type Window struct {
	Velocity          time.Duration
	Failure           time.Duration
	HistoryLimit      int
	KnownFraudIPLimit int
}

// Aggregates is a snapshot of a payer's and payee's history strictly prior
// to one transaction: the transaction itself is excluded and only rows
// created at or before its CreatedAt are counted. Windows are anchored at
// CreatedAt.
type Aggregates struct {
	RecentFailures  int             // payer's failed rows within Window.Failure
	RecentActivity  int             // payer's rows within Window.Velocity
	HistoryCount    int             // payer's most recent rows, capped at HistoryLimit
	HistoryAverage  decimal.Decimal // mean amount of those rows (zero when none)
	PriorCompleted  int             // payer's completed rows to the same payee
	PayeeFraudRatio float64         // fraud rows / all rows to the payee
	KnownFraudIPs   map[string]bool // distinct IPs of fraud rows, most recent first
}

// Filter narrows a dashboard listing.
type Filter struct {
	PayerID   string
	Status    Status
	FraudOnly bool
}

// RegionCount is one entry of the fraud-by-region leaderboard.
type RegionCount struct {
	Region string `json:"state"`
	Count  int    `json:"count"`
}

// Stats summarizes assessments since a point in time.
type Stats struct {
	Total        int           `json:"total"`
	Fraudulent   int           `json:"fraudulent"`
	TopRegions   []RegionCount `json:"top_regions"`
	AverageScore float64       `json:"average_score"`
}

// Store persists transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	Aggregates(ctx context.Context, tx *Transaction, w Window) (*Aggregates, error)
	ApplyDecision(ctx context.Context, id string, d Decision) (*Transaction, error)
	MarkReported(ctx context.Context, id string) error
	Stats(ctx context.Context, since time.Time, topN int) (*Stats, error)
}
