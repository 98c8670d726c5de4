package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudshield/internal/transactions"
	"github.com/mbd888/fraudshield/internal/validation"
)

// Loose is a JSON scalar that may arrive as a string or a number.
// Upstream producers send amounts and ids either way.
type Loose string

// UnmarshalJSON accepts strings, numbers and null.
func (l *Loose) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Loose(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected a string or a number, got %s", data)
		}
		*l = Loose(n.String())
		return nil
	}
}

// String returns the trimmed value.
func (l Loose) String() string { return strings.TrimSpace(string(l)) }

// Submission is a transaction as received from HTTP or Kafka.
type Submission struct {
	Amount         Loose  `json:"amount"`
	PayerID        Loose  `json:"payer_id"`
	PayeeID        Loose  `json:"payee_id"`
	PaymentMode    string `json:"payment_mode"`
	PaymentChannel string `json:"payment_channel"`
	IP             string `json:"ip"`
}

const maxIDLength = 64

var modeAliases = map[string]string{
	"crypto":      "cryptocurrency",
	"wire":        "wire_transfer",
	"giftcard":    "gift_card",
	"net_banking": "netbanking",
	"debit":       "debit_card",
	"credit":      "credit_card",
}

var channelAliases = map[string]string{
	"third_party": "third_party_processor",
	"mobile_app":  "app",
}

// Normalize validates a submission and turns it into strict facts.
// Missing amount, payer_id or payee_id is a validation error.
func Normalize(s Submission) (transactions.Facts, error) {
	payer := s.PayerID.String()
	payee := s.PayeeID.String()
	rawAmount := s.Amount.String()
	ip := strings.TrimSpace(s.IP)

	errs := validation.Validate(
		validation.Required("amount", rawAmount),
		validation.Required("payer_id", payer),
		validation.Required("payee_id", payee),
		validation.MaxLength("payer_id", payer, maxIDLength),
		validation.MaxLength("payee_id", payee, maxIDLength),
		validation.IP("ip", ip),
	)
	if len(errs) > 0 {
		return transactions.Facts{}, errs
	}

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return transactions.Facts{}, validation.ValidationErrors{{Field: "amount", Message: "must be a number"}}
	}
	if errs := validation.Validate(validation.Amount("amount", amount)); len(errs) > 0 {
		return transactions.Facts{}, errs
	}

	return transactions.Facts{
		Amount:         amount,
		PayerID:        payer,
		PayeeID:        payee,
		PaymentMode:    normalizeEnum(s.PaymentMode, modeAliases),
		PaymentChannel: normalizeEnum(s.PaymentChannel, channelAliases),
		IP:             ip,
	}, nil
}

// normalizeEnum lower-cases v and joins words with underscores. Unknown
// values are kept; they simply never match a high-risk list.
func normalizeEnum(v string, aliases map[string]string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
	if a, ok := aliases[v]; ok {
		return a
	}
	return v
}
