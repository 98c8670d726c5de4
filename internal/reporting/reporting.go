// Package reporting files regulator fraud reports and alerts payers.
//
// A report is written once per fraudulent transaction. The payer is then
// notified by SMS on a detached goroutine: notification outcomes are logged
// and counted but never change the report or the reconciled transaction.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAlreadyReported     = errors.New("reporting: transaction already reported")
	ErrReportNotFound      = errors.New("reporting: report not found")
	ErrUserNotFound        = errors.New("reporting: user not found")
	ErrNotifierUnavailable = errors.New("reporting: notifier unavailable")
	ErrNotFraudulent       = errors.New("reporting: transaction not determined fraudulent")
)

// DefaultReason is used when a report request carries no reason.
const DefaultReason = "Detected by our system"

// Report is the append-only regulator record of a fraudulent transaction.
type Report struct {
	ID                string          `json:"id"`
	TransactionID     string          `json:"transaction_id"`
	Amount            decimal.Decimal `json:"amount"`
	PayerID           string          `json:"payer_id"`
	PayeeID           string          `json:"payee_id"`
	FraudScore        float64         `json:"fraud_score"`
	Reason            string          `json:"reason"`
	ReportingEntityID string          `json:"reporting_entity_id"`
	TransactionTime   time.Time       `json:"transaction_time"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Request asks for a transaction to be reported. Amount, payer and payee
// are taken from the stored transaction, not the request.
type Request struct {
	TransactionID string   `json:"transaction_id"`
	FraudScore    *float64 `json:"fraud_score,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// User is a payer's entry in the notification directory.
type User struct {
	PayerID   string    `json:"payer_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"` // E.164
	CreatedAt time.Time `json:"created_at"`
}

// Store persists fraud reports.
type Store interface {
	// Create inserts a report. It returns ErrAlreadyReported when the
	// transaction already has one.
	Create(ctx context.Context, r *Report) error
	GetByTransaction(ctx context.Context, transactionID string) (*Report, error)
	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Report, error)
}

// Directory resolves payers to contact details.
type Directory interface {
	// Lookup finds a user by payer id, falling back to a phone number
	// match for payers identified by their phone.
	Lookup(ctx context.Context, payerID string) (*User, error)
	Upsert(ctx context.Context, u *User) error
}

// AlertBody is the SMS text sent to a payer.
func AlertBody(transactionID, reason string) string {
	if reason == "" {
		reason = DefaultReason
	}
	return fmt.Sprintf(
		"Alert: Your transaction (ID: %s) was flagged as fraudulent. Reason: %s. If this wasn't you, please contact support.",
		transactionID, reason,
	)
}
