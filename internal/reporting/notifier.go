package reporting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mbd888/fraudshield/internal/circuitbreaker"
)

// Message is one SMS to a payer.
type Message struct {
	To            string `json:"to"`
	From          string `json:"from,omitempty"`
	Body          string `json:"body"`
	TransactionID string `json:"transaction_id"`
}

// Notifier delivers payer alerts.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// SMSGateway posts messages to an HTTP SMS gateway. Bodies are signed
// with HMAC-SHA256 when a secret is configured.
type SMSGateway struct {
	url     string
	secret  string
	from    string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	now     func() time.Time
}

// NewSMSGateway creates a gateway notifier. breaker may be nil.
func NewSMSGateway(url, secret, from string, timeout time.Duration, breaker *circuitbreaker.Breaker) *SMSGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSGateway{
		url:     url,
		secret:  secret,
		from:    from,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		now:     time.Now,
	}
}

var _ Notifier = (*SMSGateway)(nil)

// Breaker returns the gateway's circuit breaker, nil when none is set.
func (g *SMSGateway) Breaker() *circuitbreaker.Breaker { return g.breaker }

// Notify sends m. Transport failures, non-2xx answers and an open circuit
// all wrap ErrNotifierUnavailable.
func (g *SMSGateway) Notify(ctx context.Context, m Message) error {
	if m.From == "" {
		m.From = g.from
	}
	if g.breaker == nil {
		return g.send(ctx, m)
	}
	err := g.breaker.Execute(ctx, func(ctx context.Context) error { return g.send(ctx, m) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrNotifierUnavailable, err)
	}
	return err
}

func (g *SMSGateway) send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fraudshield-Timestamp", strconv.FormatInt(g.now().Unix(), 10))
	if g.secret != "" {
		req.Header.Set("X-Fraudshield-Signature", Sign(payload, g.secret))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotifierUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrNotifierUnavailable, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogNotifier writes alerts to the log. Used when no gateway is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

func (l *LogNotifier) Notify(_ context.Context, m Message) error {
	l.logger.Info("fraud alert (no SMS gateway configured)",
		"to", maskPhone(m.To),
		"transaction_id", m.TransactionID,
		"body", m.Body,
	)
	return nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
