package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"

	"clinicBack/internal/models"
)

const testWebhookSecret = "whsec_test_secret"

func newTestStripe(t *testing.T, baseURL string) *StripeService {
	t.Helper()
	s, err := NewStripeService(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		APIBaseURL:    baseURL,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewStripeService: %v", err)
	}
	return s
}

func signedHeader(payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestNewStripeServiceRequiresSecrets(t *testing.T) {
	if _, err := NewStripeService(StripeConfig{SecretKey: "sk_test"}); err == nil {
		t.Fatal("expected error without webhook secret")
	}
}

func TestConstructEventPaymentSucceeded(t *testing.T) {
	s := newTestStripe(t, "")
	payload := []byte(`{
        "id": "evt_1",
        "object": "event",
        "type": "payment_intent.succeeded",
        "created": 1700000000,
        "data": {"object": {
            "id": "pi_1",
            "object": "payment_intent",
            "amount": 5000,
            "amount_received": 5000,
            "currency": "usd",
            "status": "succeeded",
            "latest_charge": "ch_1",
            "metadata": {"userId": "u1", "clinicId": "c1"}
        }}
    }`)

	ev, err := s.ConstructEvent(payload, signedHeader(payload))
	if err != nil {
		t.Fatalf("ConstructEvent: %v", err)
	}
	if ev.ID != "evt_1" || ev.Type != models.EventPaymentSucceeded {
		t.Fatalf("unexpected event %+v", ev)
	}
	pi := ev.PaymentIntent
	if pi == nil {
		t.Fatal("payment intent payload missing")
	}
	if pi.ID != "pi_1" || pi.Amount != 5000 || pi.Currency != "usd" || pi.LatestCharge != "ch_1" {
		t.Errorf("unexpected intent %+v", pi)
	}
	if pi.Metadata["clinicId"] != "c1" {
		t.Errorf("metadata lost: %v", pi.Metadata)
	}
}

func TestConstructEventRejectsBadSignature(t *testing.T) {
	s := newTestStripe(t, "")
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded"}`)
	header := signedHeader(payload)

	tampered := []byte(`{"id":"evt_1","object":"event","type":"charge.refunded"}`)
	if _, err := s.ConstructEvent(tampered, header); !errors.Is(err, models.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := s.ConstructEvent(payload, ""); !errors.Is(err, models.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestParseEventChargeAndPayout(t *testing.T) {
	s := newTestStripe(t, "")

	ev, err := s.ParseEvent([]byte(`{"id":"evt_2","object":"event","type":"charge.refunded",
        "data":{"object":{"id":"ch_1","object":"charge","amount":5000,"amount_refunded":5000,
        "currency":"usd","payment_intent":"pi_1"}}}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Charge == nil || ev.Charge.PaymentIntentID != "pi_1" || ev.Charge.AmountRefunded != 5000 {
		t.Fatalf("unexpected charge %+v", ev.Charge)
	}

	ev, err = s.ParseEvent([]byte(`{"id":"evt_3","object":"event","type":"payout.paid","account":"acct_9",
        "data":{"object":{"id":"po_1","object":"payout","amount":1200,"currency":"usd","destination":"ba_1"}}}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Account != "acct_9" || ev.Payout == nil || ev.Payout.ID != "po_1" || ev.Payout.Destination != "ba_1" {
		t.Fatalf("unexpected payout event %+v %+v", ev, ev.Payout)
	}
}

func TestRefundSendsIdempotencyKey(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotForm url.Values
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","status":"succeeded","amount":5000}`))
	}))
	defer ts.Close()

	s := newTestStripe(t, ts.URL)
	id, err := s.Refund(context.Background(), "pi_1", "refund-pi_1")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if id != "re_1" {
		t.Errorf("refund id mismatch: %q", id)
	}
	if gotPath != "/v1/refunds" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "refund-pi_1" {
		t.Errorf("idempotency key mismatch: %q", gotKey)
	}
	if gotForm.Get("payment_intent") != "pi_1" {
		t.Errorf("payment_intent not sent: %v", gotForm)
	}
}

func TestRefundErrorBecomesProcessorError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"Charge ch_1 has already been refunded."}}`))
	}))
	defer ts.Close()

	s := newTestStripe(t, ts.URL)
	_, err := s.Refund(context.Background(), "pi_1", "refund-pi_1")
	var pe *ProcessorError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProcessorError, got %T %v", err, err)
	}
	if pe.StatusCode != http.StatusBadRequest || pe.Code != "charge_already_refunded" {
		t.Errorf("unexpected processor error %+v", pe)
	}
}

func TestConnectedAccountOnboarding(t *testing.T) {
	forms := map[string]url.Values{}
	keys := map[string]string{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		forms[r.URL.Path], _ = url.ParseQuery(string(body))
		keys[r.URL.Path] = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/accounts":
			_, _ = w.Write([]byte(`{"id":"acct_new","object":"account","type":"express"}`))
		case "/v1/account_links":
			_, _ = w.Write([]byte(`{"object":"account_link","url":"https://connect.example/setup/acct_new"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	s := newTestStripe(t, ts.URL)
	ctx := context.Background()
	id, err := s.CreateConnectedAccount(ctx, AccountParams{
		Country: "US", Email: "billing@smile.example", BusinessName: "Smile Dental", IdempotencyKey: "onboard-c1",
	})
	if err != nil || id != "acct_new" {
		t.Fatalf("CreateConnectedAccount: %q %v", id, err)
	}
	f := forms["/v1/accounts"]
	if f.Get("type") != "express" || f.Get("business_type") != "company" || f.Get("business_profile[name]") != "Smile Dental" || f.Get("email") != "billing@smile.example" {
		t.Errorf("unexpected account form %v", f)
	}
	if keys["/v1/accounts"] != "onboard-c1" {
		t.Errorf("idempotency key mismatch: %q", keys["/v1/accounts"])
	}

	link, err := s.CreateAccountLink(ctx, AccountLinkParams{
		AccountID: "acct_new", RefreshURL: "https://app.example/reauth", ReturnURL: "https://app.example/done",
	})
	if err != nil || link != "https://connect.example/setup/acct_new" {
		t.Fatalf("CreateAccountLink: %q %v", link, err)
	}
	if f := forms["/v1/account_links"]; f.Get("account") != "acct_new" || f.Get("type") != "account_onboarding" || f.Get("return_url") != "https://app.example/done" {
		t.Errorf("unexpected link form %v", f)
	}
}
