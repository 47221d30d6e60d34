package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railtab/internal/clock"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewFactory(clock.NewFakeClock(now)).NewAdapter(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config:   map[string]any{"webhook_secret": "whsec_test"},
	})
	require.NoError(t, err)
	return adapter.(*Adapter)
}

func signatureHeader(secret string, payload []byte, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, sign(secret, ts, payload)))
	return header
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewFactory(nil).NewAdapter(paymentdomain.AdapterConfig{Provider: "stripe", Config: map[string]any{}})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)

	_, err = NewFactory(nil).NewAdapter(paymentdomain.AdapterConfig{Provider: "stripe", Config: map[string]any{"webhook_secret": "  "}})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestVerifySignature(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_123","type":"charge.refunded","data":{"object":{}}}`)
	ctx := context.Background()

	require.NoError(t, adapter.Verify(ctx, payload, signatureHeader("whsec_test", payload, now)))

	cases := map[string]http.Header{
		"wrong secret": signatureHeader("wrong", payload, now),
		"stale":        signatureHeader("whsec_test", payload, now.Add(-10*time.Minute)),
		"missing":      {},
		"malformed":    {"Stripe-Signature": []string{"v1=abc"}},
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, adapter.Verify(ctx, payload, header), paymentdomain.ErrInvalidSignature)
		})
	}

	tampered := []byte(`{"id":"evt_124","type":"charge.refunded","data":{"object":{}}}`)
	require.ErrorIs(t, adapter.Verify(ctx, tampered, signatureHeader("whsec_test", payload, now)), paymentdomain.ErrInvalidSignature)
}

func TestVerifyAcceptsAnyV1Signature(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1"}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%s, v1=deadbeef, v1=%s", ts, sign("whsec_test", ts, payload)))
	require.NoError(t, adapter.Verify(context.Background(), payload, header))
}

func TestParse(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	paymentID := node.Generate()
	created := now.Unix()

	tests := []struct {
		name       string
		event      map[string]any
		wantType   string
		wantID     string
		amount     string
		refunded   string
		partial    bool
		hasPayment bool
	}{{
		name: "checkout.session.completed",
		event: map[string]any{
			"id": "evt_cs", "type": "checkout.session.completed", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "cs_1", "payment_intent": "pi_1", "payment_status": "paid",
				"amount_total": 10000, "currency": "usd",
				"metadata": map[string]any{
					"payment_id":       paymentID.String(),
					"billingGroupIds":  "1,2",
					"allocationMethod": "fifo",
				},
			}},
		},
		wantType: paymentdomain.EventTypePaymentSucceeded, wantID: "pi_1", amount: "100.00", hasPayment: true,
	}, {
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id": "evt_pi", "type": "payment_intent.succeeded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "pi_2", "amount": 2500, "amount_received": 2500, "currency": "usd",
			}},
		},
		wantType: paymentdomain.EventTypePaymentSucceeded, wantID: "pi_2", amount: "25.00",
	}, {
		name: "payment_intent.payment_failed",
		event: map[string]any{
			"id": "evt_pf", "type": "payment_intent.payment_failed",
			"data": map[string]any{"object": map[string]any{"id": "pi_3", "amount": 900, "currency": "eur"}},
		},
		wantType: paymentdomain.EventTypePaymentFailed, wantID: "pi_3", amount: "9.00",
	}, {
		name: "charge.refunded partial",
		event: map[string]any{
			"id": "evt_ch", "type": "charge.refunded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "ch_1", "payment_intent": "pi_4", "amount": 5000, "amount_refunded": 1200,
				"refunded": false, "currency": "usd",
			}},
		},
		wantType: paymentdomain.EventTypeRefunded, wantID: "pi_4", amount: "50.00", refunded: "12.00", partial: true,
	}, {
		name: "charge.refunded full",
		event: map[string]any{
			"id": "evt_ch2", "type": "charge.refunded", "created": created,
			"data": map[string]any{"object": map[string]any{
				"id": "ch_2", "amount": 5000, "amount_refunded": 5000, "refunded": true, "currency": "usd",
			}},
		},
		wantType: paymentdomain.EventTypeRefunded, wantID: "ch_2", amount: "50.00", refunded: "50.00",
	}}

	adapter := newAdapter(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			require.NoError(t, err)

			event, err := adapter.Parse(context.Background(), payload)
			require.NoError(t, err)
			require.Equal(t, "stripe", event.Provider)
			require.Equal(t, tt.event["id"], event.ProviderEventID)
			require.Equal(t, tt.wantType, event.Type)
			require.Equal(t, tt.wantID, event.ProviderPaymentID)
			require.Equal(t, tt.amount, event.Amount.String())
			require.Equal(t, tt.partial, event.PartialRefund)
			require.False(t, event.OccurredAt.IsZero())
			if tt.refunded != "" {
				require.Equal(t, tt.refunded, event.AmountRefunded.String())
			}
			if tt.hasPayment {
				require.NotNil(t, event.PaymentID)
				require.Equal(t, paymentID, *event.PaymentID)
				require.Equal(t, "1,2", event.Metadata["billingGroupIds"])
			} else {
				require.Nil(t, event.PaymentID)
			}
		})
	}
}

func TestParseIgnoresAndRejects(t *testing.T) {
	adapter := newAdapter(t)
	ctx := context.Background()

	_, err := adapter.Parse(ctx, []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`))
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(ctx, []byte(`{"id":"evt_2","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"unpaid"}}}`))
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(ctx, []byte(`{"type":"payment_intent.succeeded"}`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	_, err = adapter.Parse(ctx, []byte(`not json`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
