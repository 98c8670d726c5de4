// Package mlscore is the client of the external fraud prediction service.
//
// The client builds its feature tuple only from values the rule engine and
// the stored transaction already hold, makes a single POST with a timeout,
// and hands the predictor's body back untouched. There is no retry: a
// failed call fails the assessment stage and the transaction stays pending.
package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/fraudshield/internal/circuitbreaker"
	"github.com/mbd888/fraudshield/internal/metrics"
	"github.com/mbd888/fraudshield/internal/rules"
	"github.com/mbd888/fraudshield/internal/traces"
	"github.com/mbd888/fraudshield/internal/transactions"
)

// ErrUpstream wraps every predictor failure: transport errors, timeouts,
// non-2xx responses, undecodable bodies and an open circuit.
var ErrUpstream = errors.New("mlscore: predictor unavailable")

const maxResponseSize = 1 << 20

// Features is the tuple sent to the predictor.
type Features struct {
	PayerID       string  `json:"payer_id"`
	Amount        float64 `json:"amount"`
	IP            string  `json:"ip"`
	State         string  `json:"state"`
	FailedAttempt int     `json:"failed_attempt"`
}

// FeaturesFrom assembles features from a stored transaction and its rule
// result. Nothing is recomputed.
func FeaturesFrom(tx *transactions.Transaction, r *rules.Result) Features {
	state := tx.Region
	if state == "" {
		state = "unknown"
	}
	return Features{
		PayerID:       tx.PayerID,
		Amount:        tx.Amount.InexactFloat64(),
		IP:            tx.IP,
		State:         state,
		FailedAttempt: r.FailedAttempts,
	}
}

// Verdict is the predictor's answer. Raw is the response body exactly as
// received and is what Verdict marshals to.
type Verdict struct {
	Fraudulent  bool
	Probability *float64
	Raw         json.RawMessage
}

// MarshalJSON passes the predictor's body through unmodified.
func (v Verdict) MarshalJSON() ([]byte, error) {
	if len(v.Raw) > 0 {
		return v.Raw, nil
	}
	return json.Marshal(struct {
		Fraudulent  bool     `json:"fraudulent"`
		Probability *float64 `json:"probability,omitempty"`
	}{v.Fraudulent, v.Probability})
}

// Predictor is satisfied by Client and by test doubles.
type Predictor interface {
	Predict(ctx context.Context, f Features) (*Verdict, error)
}

// Client calls the prediction endpoint behind a circuit breaker.
type Client struct {
	url        string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a predictor client. breaker may be nil.
func NewClient(url string, timeout time.Duration, breaker *circuitbreaker.Breaker) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

var _ Predictor = (*Client)(nil)

// Breaker returns the client's circuit breaker, nil when none is set.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Predict posts f and decodes the verdict.
func (c *Client) Predict(ctx context.Context, f Features) (*Verdict, error) {
	ctx, span := traces.StartSpan(ctx, "mlscore.Predict", traces.PayerID(f.PayerID))
	defer span.End()

	start := time.Now()
	var verdict *Verdict
	call := func(ctx context.Context) error {
		v, err := c.post(ctx, f)
		verdict = v
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}

	result := "ok"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		result = "open"
		err = fmt.Errorf("%w: %w", ErrUpstream, err)
	case err != nil:
		result = "error"
	}
	metrics.MLRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())

	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return verdict, nil
}

func (c *Client) post(ctx context.Context, f Features) (*Verdict, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("mlscore: marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("mlscore: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	v, err := Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return v, nil
}

// Decode parses a predictor body. "fraudulent" may be a boolean or a 0/1
// number; an absent field reads as not fraudulent. "probability" or
// "fraud_probability" is picked up when present.
func Decode(body []byte) (*Verdict, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if fields == nil {
		return nil, errors.New("decode verdict: body is null")
	}

	v := &Verdict{Raw: append(json.RawMessage(nil), body...)}

	if raw, ok := fields["fraudulent"]; ok {
		fraudulent, err := decodeFlag(raw)
		if err != nil {
			return nil, err
		}
		v.Fraudulent = fraudulent
	}

	for _, key := range []string{"probability", "fraud_probability"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var p float64
		if err := json.Unmarshal(raw, &p); err == nil {
			v.Probability = &p
			break
		}
	}
	return v, nil
}

func decodeFlag(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, nil
	}
	return false, fmt.Errorf("decode verdict: fraudulent is %s", raw)
}
