package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubRefundAPI struct {
	refund *stripe.Refund
	err    error
	params *stripe.RefundParams
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.params = params
	return s.refund, s.err
}

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.intent, s.err
}

func newTestProvider(t *testing.T, refunds *stubRefundAPI, intents *stubIntentAPI) *StripeProvider {
	t.Helper()
	if refunds == nil {
		refunds = &stubRefundAPI{}
	}
	if intents == nil {
		intents = &stubIntentAPI{}
	}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: intents, refunds: refunds},
		Clock:   func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestStripeRefundSuccess(t *testing.T) {
	refunds := &stubRefundAPI{refund: &stripe.Refund{
		ID:       "re_1",
		Status:   stripe.RefundStatusSucceeded,
		Amount:   2500,
		Currency: stripe.CurrencyUSD,
		Created:  time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC).Unix(),
	}}
	provider := newTestProvider(t, refunds, nil)

	amount := int64(2500)
	result, err := provider.Refund(context.Background(), RefundRequest{
		CaptureID:      "pi_123",
		Amount:         &amount,
		Reason:         "requested_by_customer",
		IdempotencyKey: "rr_1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", result.Status)
	}
	if result.RefundID != "re_1" || result.CaptureID != "pi_123" {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.Currency != "USD" {
		t.Fatalf("unexpected currency %q", result.Currency)
	}
	if refunds.params == nil || refunds.params.PaymentIntent == nil || *refunds.params.PaymentIntent != "pi_123" {
		t.Fatalf("expected refund against pi_123")
	}
	if refunds.params.Reason == nil || *refunds.params.Reason != string(stripe.RefundReasonRequestedByCustomer) {
		t.Fatalf("expected mapped refund reason")
	}
}

func TestStripeRefundMissingCapture(t *testing.T) {
	refunds := &stubRefundAPI{err: &stripe.Error{
		Code:           stripe.ErrorCodeResourceMissing,
		HTTPStatusCode: http.StatusNotFound,
		Msg:            "No such payment_intent",
	}}
	provider := newTestProvider(t, refunds, nil)

	_, err := provider.Refund(context.Background(), RefundRequest{CaptureID: "pi_missing"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if !gwErr.IsNotFound() {
		t.Fatalf("expected not found classification, got %s", gwErr.Kind)
	}
}

func TestStripeRefundTransientFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"rate limited", &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}},
		{"server error", &stripe.Error{HTTPStatusCode: http.StatusBadGateway}},
		{"timeout", context.DeadlineExceeded},
		{"transport", errors.New("connection reset")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := newTestProvider(t, &stubRefundAPI{err: tc.err}, nil)
			_, err := provider.Refund(context.Background(), RefundRequest{CaptureID: "pi_1"})
			var gwErr *GatewayError
			if !errors.As(err, &gwErr) {
				t.Fatalf("expected GatewayError, got %v", err)
			}
			if !gwErr.IsTransient() {
				t.Fatalf("expected transient classification, got %s", gwErr.Kind)
			}
		})
	}
}

func TestStripeRefundRejected(t *testing.T) {
	provider := newTestProvider(t, &stubRefundAPI{err: &stripe.Error{
		Code:           stripe.ErrorCodeChargeAlreadyRefunded,
		HTTPStatusCode: http.StatusBadRequest,
		Msg:            "Charge has already been refunded",
	}}, nil)

	_, err := provider.Refund(context.Background(), RefundRequest{CaptureID: "pi_1"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.Kind != KindRejected {
		t.Fatalf("expected rejected classification, got %s", gwErr.Kind)
	}
}

func TestStripeRefundEmptyCapture(t *testing.T) {
	provider := newTestProvider(t, nil, nil)
	_, err := provider.Refund(context.Background(), RefundRequest{})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || !gwErr.IsNotFound() {
		t.Fatalf("expected not found for empty capture, got %v", err)
	}
}

func TestStripeLookupPayment(t *testing.T) {
	intents := &stubIntentAPI{intent: &stripe.PaymentIntent{
		ID:       "pi_9",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   8000,
		Currency: stripe.CurrencyUSD,
	}}
	provider := newTestProvider(t, nil, intents)

	details, err := provider.LookupPayment(context.Background(), LookupRequest{CaptureID: "pi_9"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.CaptureID != "pi_9" || details.Status != StatusSucceeded || !details.Captured {
		t.Fatalf("unexpected details %#v", details)
	}
}
