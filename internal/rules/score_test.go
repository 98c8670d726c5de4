package rules

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudshield/internal/transactions"
)

func txWith(amount int64, mutate ...func(*transactions.Transaction)) *transactions.Transaction {
	tx := &transactions.Transaction{
		ID:             "tx-1",
		Amount:         decimal.NewFromInt(amount),
		PayerID:        "payer",
		PayeeID:        "payee",
		PaymentMode:    "upi",
		PaymentChannel: "app",
		IP:             "49.36.1.1",
		Region:         "Maharashtra",
		Country:        "IN",
	}
	for _, m := range mutate {
		m(tx)
	}
	return tx
}

// established has a completed relationship with the payee and moderate history,
// so none of the relationship rules fire.
func established() *transactions.Aggregates {
	return &transactions.Aggregates{
		HistoryCount:   10,
		HistoryAverage: decimal.NewFromInt(5000),
		PriorCompleted: 2,
	}
}

func TestScore_SingleRules(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		tx     *transactions.Transaction
		agg    func(*transactions.Aggregates)
		weight float64
		flag   string
	}{
		{"high value", txWith(10001), nil, 0.20, FlagHighValue},
		{"round 500", txWith(500), nil, 0.05, FlagRoundAmount},
		{"round 2000", txWith(2000), nil, 0.05, FlagRoundAmount},
		{"high-risk country", txWith(100, func(t *transactions.Transaction) { t.Country = "ru" }), nil, 0.20, FlagHighRiskCountry},
		{"known fraud ip", txWith(100), func(a *transactions.Aggregates) {
			a.KnownFraudIPs = map[string]bool{"49.36.1.1": true}
		}, 0.10, FlagKnownFraudAddress},
		{"multiple failures", txWith(100), func(a *transactions.Aggregates) { a.RecentFailures = 3 }, 0.30, FlagMultipleFailures},
		{"unusual frequency", txWith(100), func(a *transactions.Aggregates) { a.RecentActivity = 6 }, 0.20, FlagUnusualFrequency},
		{"far above average", txWith(100), func(a *transactions.Aggregates) {
			a.HistoryAverage = decimal.NewFromInt(19)
		}, 0.20, FlagFarAboveAverage},
		{"crypto", txWith(100, func(t *transactions.Transaction) { t.PaymentMode = "cryptocurrency" }), nil, 0.10, FlagHighRiskMethod},
		{"gift card", txWith(100, func(t *transactions.Transaction) { t.PaymentMode = "gift_card" }), nil, 0.10, FlagHighRiskMethod},
		{"third party channel", txWith(100, func(t *transactions.Transaction) { t.PaymentChannel = "third_party_processor" }), nil, 0.10, FlagHighRiskChannel},
		{"payee fraud rate", txWith(100), func(a *transactions.Aggregates) { a.PayeeFraudRatio = 0.11 }, 0.20, FlagPayeeHighFraudRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := established()
			if tt.agg != nil {
				tt.agg(agg)
			}
			got := Score(cfg, tt.tx, agg)
			assert.Equal(t, []string{tt.flag}, got.Flags)
			assert.InDelta(t, tt.weight, got.Score, 1e-9)
			assert.True(t, got.Found)
		})
	}
}

func TestScore_NoRulesFire(t *testing.T) {
	got := Score(DefaultConfig(), txWith(100), established())
	assert.Empty(t, got.Flags)
	assert.Zero(t, got.Score)
	assert.Equal(t, ReasonClean, got.Verdict(DefaultThreshold).Reason)
}

func TestScore_ThresholdBoundaries(t *testing.T) {
	cfg := DefaultConfig()
	agg := established()

	assert.Empty(t, Score(cfg, txWith(10000), agg).Flags, "exactly 10,000 is not high value")
	assert.Empty(t, Score(cfg, txWith(501), agg).Flags)

	agg.RecentFailures = 2
	assert.Empty(t, Score(cfg, txWith(100), agg).Flags)

	agg = established()
	agg.RecentActivity = 5
	assert.Empty(t, Score(cfg, txWith(100), agg).Flags)

	agg = established()
	agg.PayeeFraudRatio = 0.1
	assert.Empty(t, Score(cfg, txWith(100), agg).Flags)

	agg = established()
	agg.HistoryAverage = decimal.NewFromInt(20) // 5x == amount, not above
	assert.Empty(t, Score(cfg, txWith(100), agg).Flags)
}

func TestScore_RelationshipBuckets(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		history int
		flag    string
		weight  float64
	}{
		{0, FlagFirstEver, 0.10},
		{1, FlagNewUserFirstPayee, 0.15},
		{5, FlagNewUserFirstPayee, 0.15},
		{6, FlagEstablishedNewPayee, 0.10},
		{50, FlagEstablishedNewPayee, 0.10},
	}
	for _, tt := range tests {
		agg := &transactions.Aggregates{HistoryCount: tt.history}
		if tt.history > 0 {
			agg.HistoryAverage = decimal.NewFromInt(100)
		}
		got := Score(cfg, txWith(100), agg)
		assert.Equal(t, []string{tt.flag}, got.Flags, "history=%d", tt.history)
		assert.InDelta(t, tt.weight, got.Score, 1e-9)
	}

	agg := &transactions.Aggregates{HistoryCount: 3, HistoryAverage: decimal.NewFromInt(100), PriorCompleted: 1}
	assert.Empty(t, Score(cfg, txWith(100), agg).Flags, "prior completed payment to payee")
}

func TestScore_FarAboveAverageNeedsHistory(t *testing.T) {
	cfg := DefaultConfig()
	agg := &transactions.Aggregates{PriorCompleted: 1}
	got := Score(cfg, txWith(9000), agg)
	assert.NotContains(t, got.Flags, FlagFarAboveAverage)

	agg.HistoryCount = 2 // average of zero-amount rows
	got = Score(cfg, txWith(9000), agg)
	assert.NotContains(t, got.Flags, FlagFarAboveAverage)
}

func TestScore_HighValueAlwaysAddsTwenty(t *testing.T) {
	cfg := DefaultConfig()
	agg := established()
	agg.HistoryAverage = decimal.NewFromInt(10_000_000)
	for _, amount := range []int64{10001, 15000, 250000, 9999999} {
		with := Score(cfg, txWith(amount), agg)
		require.Contains(t, with.Flags, FlagHighValue)

		without := Score(cfg, txWith(100), agg)
		assert.InDelta(t, 0.20, with.Score-without.Score, 1e-9, "amount=%d", amount)
	}
}

func TestScore_MultipleFailuresAlwaysAddsThirty(t *testing.T) {
	cfg := DefaultConfig()
	for _, n := range []int{3, 4, 10} {
		agg := established()
		agg.RecentFailures = n
		got := Score(cfg, txWith(100), agg)
		assert.Equal(t, []string{FlagMultipleFailures}, got.Flags)
		assert.InDelta(t, 0.30, got.Score, 1e-9)
		assert.Equal(t, n, got.FailedAttempts)
	}
}

func TestScore_CappedAtOne(t *testing.T) {
	tx := txWith(15000, func(t *transactions.Transaction) {
		t.Country = "PK"
		t.PaymentMode = "wire_transfer"
		t.PaymentChannel = "api"
	})
	agg := &transactions.Aggregates{
		RecentFailures:  5,
		RecentActivity:  9,
		HistoryCount:    3,
		HistoryAverage:  decimal.NewFromInt(10),
		PayeeFraudRatio: 0.9,
		KnownFraudIPs:   map[string]bool{"49.36.1.1": true},
	}

	got := Score(DefaultConfig(), tx, agg)
	assert.Equal(t, 1.0, got.Score)
	assert.Len(t, got.Flags, 10)
	assert.Equal(t, FlagHighValue, got.Flags[0])
	assert.Equal(t, FlagPayeeHighFraudRate, got.Flags[len(got.Flags)-1])
}

func TestScore_Deterministic(t *testing.T) {
	tx := txWith(2000, func(t *transactions.Transaction) { t.PaymentChannel = "api" })
	agg := &transactions.Aggregates{RecentFailures: 4, HistoryCount: 2, HistoryAverage: decimal.NewFromInt(100)}

	first := Score(DefaultConfig(), tx, agg)
	for i := 0; i < 20; i++ {
		again := Score(DefaultConfig(), tx, agg)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Flags, again.Flags)
	}
}

func TestScore_FirstEverCryptoScenario(t *testing.T) {
	tx := txWith(15000, func(t *transactions.Transaction) { t.PaymentMode = "cryptocurrency" })

	got := Score(DefaultConfig(), tx, &transactions.Aggregates{})
	assert.Equal(t, []string{FlagHighValue, FlagFirstEver, FlagHighRiskMethod}, got.Flags)
	assert.Equal(t, 0.4, got.Score)

	v := got.Verdict(DefaultThreshold)
	assert.False(t, v.IsFraud)
	assert.Equal(t, ReasonClean, v.Reason)
}

func TestScore_RepeatOffenderScenario(t *testing.T) {
	tx := txWith(15000, func(t *transactions.Transaction) { t.PaymentMode = "cryptocurrency" })
	agg := &transactions.Aggregates{RecentFailures: 3, PayeeFraudRatio: 0.25}

	got := Score(DefaultConfig(), tx, agg)
	assert.Equal(t, []string{
		FlagHighValue, FlagFirstEver, FlagMultipleFailures, FlagHighRiskMethod, FlagPayeeHighFraudRate,
	}, got.Flags)
	assert.Equal(t, 0.9, got.Score)

	v := got.Verdict(DefaultThreshold)
	assert.True(t, v.IsFraud)
	assert.Equal(t, FlagHighValue, v.Reason)
	assert.Equal(t, 3, v.FailedAttempts)
}

func TestScore_CustomLists(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighRiskCountries = []string{"IN"}
	cfg.HighRiskPaymentModes = nil

	tx := txWith(100, func(t *transactions.Transaction) { t.PaymentMode = "cryptocurrency" })
	got := Score(cfg, tx, established())
	assert.Equal(t, []string{FlagHighRiskCountry}, got.Flags)
}

func TestVerdict_NotFound(t *testing.T) {
	r := notFound("missing")
	v := r.Verdict(DefaultThreshold)
	assert.False(t, v.IsFraud)
	assert.Equal(t, "Transaction not found", v.Reason)
	assert.Equal(t, []string{FlagNotFound}, v.Flags)
	assert.False(t, r.Found)
}
