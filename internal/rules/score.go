package rules

import (
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/transactions"
)

const (
	weightHighValue           = 0.20
	weightRoundAmount         = 0.05
	weightHighRiskCountry     = 0.20
	weightKnownFraudAddress   = 0.10
	weightFirstEver           = 0.10
	weightNewUserFirstPayee   = 0.15
	weightEstablishedNewPayee = 0.10
	weightMultipleFailures    = 0.30
	weightUnusualFrequency    = 0.20
	weightFarAboveAverage     = 0.20
	weightHighRiskMethod      = 0.10
	weightHighRiskChannel     = 0.10
	weightPayeeHighFraudRate  = 0.20

	minFailedAttempts  = 3
	maxRecentActivity  = 5
	maxNewUserHistory  = 5
	averageMultiplier  = 5
	maxPayeeFraudRatio = 0.1
	maxScore           = 1.0
)

var (
	highValueAmount = decimal.NewFromInt(10000)
	roundAmounts    = []decimal.Decimal{
		decimal.NewFromInt(500),
		decimal.NewFromInt(1000),
		decimal.NewFromInt(2000),
	}
)

// Score runs the rule table over tx and its prior history. It is pure:
// equal inputs always produce the same score and flag order.
func Score(cfg Config, tx *transactions.Transaction, agg *transactions.Aggregates) *Result {
	if agg == nil {
		agg = &transactions.Aggregates{}
	}

	var (
		score float64
		flags []string
	)
	add := func(fired bool, weight float64, flag string) {
		if fired {
			score += weight
			flags = append(flags, flag)
		}
	}

	amount := tx.Amount
	noRelationship := agg.PriorCompleted == 0

	add(amount.GreaterThan(highValueAmount), weightHighValue, FlagHighValue)
	add(slices.ContainsFunc(roundAmounts, amount.Equal), weightRoundAmount, FlagRoundAmount)
	add(containsFold(cfg.HighRiskCountries, tx.Country), weightHighRiskCountry, FlagHighRiskCountry)
	add(tx.IP != "" && agg.KnownFraudIPs[tx.IP], weightKnownFraudAddress, FlagKnownFraudAddress)

	add(noRelationship && agg.HistoryCount == 0, weightFirstEver, FlagFirstEver)
	add(noRelationship && agg.HistoryCount >= 1 && agg.HistoryCount <= maxNewUserHistory,
		weightNewUserFirstPayee, FlagNewUserFirstPayee)
	add(noRelationship && agg.HistoryCount > maxNewUserHistory,
		weightEstablishedNewPayee, FlagEstablishedNewPayee)

	add(agg.RecentFailures >= minFailedAttempts, weightMultipleFailures, FlagMultipleFailures)
	add(agg.RecentActivity > maxRecentActivity, weightUnusualFrequency, FlagUnusualFrequency)
	add(farAboveAverage(amount, agg), weightFarAboveAverage, FlagFarAboveAverage)

	add(containsFold(cfg.HighRiskPaymentModes, tx.PaymentMode), weightHighRiskMethod, FlagHighRiskMethod)
	add(containsFold(cfg.HighRiskChannels, tx.PaymentChannel), weightHighRiskChannel, FlagHighRiskChannel)
	add(agg.PayeeFraudRatio > maxPayeeFraudRatio, weightPayeeHighFraudRate, FlagPayeeHighFraudRate)

	score = math.Min(score, maxScore)

	return &Result{
		TransactionID:  tx.ID,
		Score:          math.Round(score*1000) / 1000, // 3 decimal places
		Flags:          flags,
		FailedAttempts: agg.RecentFailures,
		Found:          true,
	}
}

// An empty history, or one averaging zero, has no meaningful average.
func farAboveAverage(amount decimal.Decimal, agg *transactions.Aggregates) bool {
	if agg.HistoryCount == 0 || !agg.HistoryAverage.IsPositive() {
		return false
	}
	return amount.GreaterThan(agg.HistoryAverage.Mul(decimal.NewFromInt(averageMultiplier)))
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}
