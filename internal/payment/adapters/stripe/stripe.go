package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/clock"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"github.com/smallbiznis/railtab/pkg/money"
)

const (
	providerName              = "stripe"
	defaultSignatureTolerance = 5 * time.Minute
)

type Factory struct {
	clock clock.Clock
}

func NewFactory(clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Factory{clock: clk}
}

func (f *Factory) Provider() string {
	return providerName
}

// NewAdapter reads webhook_secret and an optional signature tolerance in
// seconds from cfg.
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := cfg.Config["webhook_secret"].(string)
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	tolerance := defaultSignatureTolerance
	switch value := cfg.Config["tolerance_seconds"].(type) {
	case int:
		tolerance = time.Duration(value) * time.Second
	case float64:
		tolerance = time.Duration(value) * time.Second
	}

	return &Adapter{
		webhookSecret: strings.TrimSpace(secret),
		tolerance:     tolerance,
		clock:         f.clock,
	}, nil
}

type Adapter struct {
	webhookSecret string
	// tolerance bounds the age of a signed timestamp; zero disables the
	// check.
	tolerance time.Duration
	clock     clock.Clock
}

// Verify checks the Stripe-Signature header: an HMAC-SHA256 over
// "<t>.<payload>" in any of the v1 entries.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		signedAt, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return paymentdomain.ErrInvalidSignature
		}
		age := a.clock.Now().Sub(time.Unix(signedAt, 0))
		if age > a.tolerance || age < -a.tolerance {
			return paymentdomain.ErrInvalidSignature
		}
	}

	expected := sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var (
		parsed *paymentdomain.PaymentEvent
		err    error
	)
	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		parsed, err = parseCheckoutSession(event)
	case "payment_intent.succeeded":
		parsed, err = parsePaymentIntent(event, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		parsed, err = parsePaymentIntent(event, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		parsed, err = parseChargeRefunded(event)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
	if err != nil {
		return nil, err
	}

	parsed.Provider = providerName
	parsed.ProviderEventID = event.ID
	parsed.RawPayload = payload
	if parsed.OccurredAt.IsZero() {
		parsed.OccurredAt = a.clock.Now()
	}
	return parsed, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string         `json:"id"`
	PaymentIntent string         `json:"payment_intent"`
	PaymentStatus string         `json:"payment_status"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	PaymentIntent  string         `json:"payment_intent"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Refunded       bool           `json:"refunded"`
	Currency       string         `json:"currency"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

func parseCheckoutSession(event stripeEvent) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	// Async payment methods complete the session before funds arrive; the
	// payment_intent.succeeded event settles those.
	if status := strings.TrimSpace(session.PaymentStatus); status != "" && status != "paid" {
		return nil, paymentdomain.ErrEventIgnored
	}

	providerPaymentID := strings.TrimSpace(session.PaymentIntent)
	if providerPaymentID == "" {
		providerPaymentID = strings.TrimSpace(session.ID)
	}
	if providerPaymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		ProviderPaymentID: providerPaymentID,
		ProviderObject:    "checkout_session",
		Type:              paymentdomain.EventTypePaymentSucceeded,
		PaymentID:         paymentIDFromMetadata(session.Metadata),
		Amount:            money.FromCents(session.AmountTotal),
		Currency:          normalizeCurrency(session.Currency),
		Metadata:          session.Metadata,
		OccurredAt:        timestamp(session.Created, event.Created),
	}, nil
}

func parsePaymentIntent(event stripeEvent, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.Amount
	if eventType == paymentdomain.EventTypePaymentSucceeded && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}
	return &paymentdomain.PaymentEvent{
		ProviderPaymentID: intent.ID,
		ProviderObject:    "payment_intent",
		Type:              eventType,
		PaymentID:         paymentIDFromMetadata(intent.Metadata),
		Amount:            money.FromCents(amount),
		Currency:          normalizeCurrency(intent.Currency),
		Metadata:          intent.Metadata,
		OccurredAt:        timestamp(intent.Created, event.Created),
	}, nil
}

func parseChargeRefunded(event stripeEvent) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	providerPaymentID := strings.TrimSpace(charge.PaymentIntent)
	if providerPaymentID == "" {
		providerPaymentID = strings.TrimSpace(charge.ID)
	}
	if providerPaymentID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		ProviderPaymentID: providerPaymentID,
		ProviderObject:    "charge",
		Type:              paymentdomain.EventTypeRefunded,
		PaymentID:         paymentIDFromMetadata(charge.Metadata),
		Amount:            money.FromCents(charge.Amount),
		AmountRefunded:    money.FromCents(charge.AmountRefunded),
		PartialRefund:     !charge.Refunded && charge.AmountRefunded < charge.Amount,
		Currency:          normalizeCurrency(charge.Currency),
		Metadata:          charge.Metadata,
		OccurredAt:        timestamp(charge.Created, event.Created),
	}, nil
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

func paymentIDFromMetadata(metadata map[string]any) *snowflake.ID {
	raw, _ := metadata["payment_id"].(string)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id == 0 {
		return nil
	}
	return &id
}
