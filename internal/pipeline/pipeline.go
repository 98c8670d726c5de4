// Package pipeline runs one transaction through the full assessment:
// intake, geo lookup, persistence, rules, ML, reconciliation and reporting.
//
// Each invocation walks an explicit state machine
//
//	created -> rule_scored -> ml_consulted -> reconciled -> reported|skipped -> done
//
// and stops at the first failing stage. The stored transaction stays
// pending until reconciliation commits, so a run that stopped early can be
// re-entered with Resume.
package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/decision"
	"github.com/mbd888/fraudshield/internal/mlscore"
	"github.com/mbd888/fraudshield/internal/rules"
	"github.com/mbd888/fraudshield/internal/transactions"
	"github.com/mbd888/fraudshield/internal/validation"
)

// Stage is a step of the assessment state machine.
type Stage string

const (
	StageCreated     Stage = "created"
	StageRuleScored  Stage = "rule_scored"
	StageMLConsulted Stage = "ml_consulted"
	StageReconciled  Stage = "reconciled"
	StageReported    Stage = "reported"
	StageSkipped     Stage = "skipped"
	StageDone        Stage = "done"
)

// FailedStage names the stage a run stopped in.
type FailedStage string

const (
	FailValidate  FailedStage = "validate"
	FailCreate    FailedStage = "create"
	FailRule      FailedStage = "rule"
	FailML        FailedStage = "ml"
	FailReconcile FailedStage = "reconcile"
)

// Kind classifies a failure for the caller.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUpstream    Kind = "upstream"
	KindPersistence Kind = "persistence"
)

// Failure is the error bundle of a run that did not reach done.
type Failure struct {
	Stage         FailedStage `json:"stage"`
	Kind          Kind        `json:"kind"`
	Message       string      `json:"message"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Err           error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.TransactionID != "" {
		return fmt.Sprintf("pipeline: %s failed for %s: %s", f.Stage, f.TransactionID, f.Message)
	}
	return fmt.Sprintf("pipeline: %s failed: %s", f.Stage, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// HTTPStatus maps the failure kind to a response status.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classify derives the failure kind from a stage error.
func classify(err error) Kind {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, transactions.ErrInvalidScore):
		return KindValidation
	case errors.Is(err, transactions.ErrNotFound):
		return KindNotFound
	case errors.Is(err, transactions.ErrAlreadyDecided), errors.Is(err, transactions.ErrDuplicateID):
		return KindConflict
	case errors.Is(err, mlscore.ErrUpstream):
		return KindUpstream
	default:
		return KindPersistence
	}
}

// FinalCheck is the reconciliation part of a bundle.
type FinalCheck struct {
	Success       bool                `json:"success"`
	Message       string              `json:"message"`
	TransactionID string              `json:"transaction_id"`
	IsFraud       bool                `json:"is_fraud"`
	Status        transactions.Status `json:"status"`
}

// Bundle is the result of a completed run.
type Bundle struct {
	State         string           `json:"state"`
	Amount        decimal.Decimal  `json:"amount"`
	IP            string           `json:"ip"`
	TransactionID string           `json:"transaction_id"`
	PayerID       string           `json:"payer_id"`
	RuleBased     rules.Verdict    `json:"rule_based"`
	MLBased       *mlscore.Verdict `json:"ml_based"`
	FinalCheck    FinalCheck       `json:"final_check"`
	Reported      bool             `json:"fraud_reported"`
	Stages        []Stage          `json:"stages"`
	Timestamp     time.Time        `json:"timestamp"`
}

// IsFraud reports the reconciled determination.
func (b *Bundle) IsFraud() bool { return b.FinalCheck.IsFraud }

func finalCheck(o *decision.Outcome) FinalCheck {
	return FinalCheck{
		Success:       true,
		Message:       "Transaction status updated",
		TransactionID: o.TransactionID,
		IsFraud:       o.IsFraud,
		Status:        o.Status,
	}
}
