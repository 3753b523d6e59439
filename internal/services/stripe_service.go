package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"clinicBack/internal/models"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string

	// APIBaseURL overrides the processor endpoint (tests, mocks).
	APIBaseURL string

	Client *http.Client
	Logger *slog.Logger
}

// StripeService implements PaymentProcessor and WebhookVerifier.
type StripeService struct {
	api           *client.API
	webhookSecret string
	logger        *slog.Logger
}

func NewStripeService(cfg StripeConfig) (*StripeService, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("stripe: secret_key/webhook_secret are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.APIBaseURL != "" {
		backendCfg.URL = stripe.String(cfg.APIBaseURL)
		backendCfg.MaxNetworkRetries = stripe.Int64(0)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	}

	s := &StripeService{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
	logger.Info("Stripe initialized",
		"live", strings.HasPrefix(cfg.SecretKey, "sk_live_"),
		"customBaseURL", cfg.APIBaseURL != "",
	)
	return s, nil
}

// ------- WEBHOOK -------

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (s *StripeService) ConstructEvent(payload []byte, signatureHeader string) (models.ProcessorEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return models.ProcessorEvent{}, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	return decodeStripeEvent(ev, payload)
}

func (s *StripeService) ParseEvent(payload []byte) (models.ProcessorEvent, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.ProcessorEvent{}, fmt.Errorf("decode stored event: %w", err)
	}
	return decodeStripeEvent(ev, payload)
}

func decodeStripeEvent(ev stripe.Event, payload []byte) (models.ProcessorEvent, error) {
	out := models.ProcessorEvent{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Account: ev.Account,
		Created: time.Unix(ev.Created, 0).UTC(),
		Payload: payload,
	}
	if ev.ID == "" {
		return out, fmt.Errorf("%w: event without id", models.ErrInvalidSignature)
	}
	if ev.Data == nil {
		return out, nil
	}
	raw := ev.Data.Raw

	switch out.Type {
	case models.EventPaymentSucceeded, models.EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return out, fmt.Errorf("decode payment_intent: %w", err)
		}
		p := &models.IntentPayload{
			ID:       pi.ID,
			Amount:   pi.AmountReceived,
			Currency: string(pi.Currency),
			Status:   string(pi.Status),
			Metadata: pi.Metadata,
		}
		if p.Amount == 0 {
			p.Amount = pi.Amount
		}
		if pi.LatestCharge != nil {
			p.LatestCharge = pi.LatestCharge.ID
		}
		if pi.LastPaymentError != nil {
			p.FailureMsg = pi.LastPaymentError.Msg
		}
		out.PaymentIntent = p
	case models.EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return out, fmt.Errorf("decode charge: %w", err)
		}
		c := &models.ChargePayload{
			ID:             ch.ID,
			Amount:         ch.Amount,
			AmountRefunded: ch.AmountRefunded,
			Currency:       string(ch.Currency),
		}
		if ch.PaymentIntent != nil {
			c.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Charge = c
	case models.EventPayoutPaid:
		var po stripe.Payout
		if err := json.Unmarshal(raw, &po); err != nil {
			return out, fmt.Errorf("decode payout: %w", err)
		}
		p := &models.PayoutPayload{ID: po.ID, Amount: po.Amount, Currency: string(po.Currency)}
		if po.Destination != nil {
			p.Destination = po.Destination.ID
		}
		out.Payout = p
	}
	return out, nil
}

// ------- PAYMENTS -------

func (s *StripeService) CreatePaymentIntent(ctx context.Context, p IntentParams) (IntentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount.Minor()),
		Currency: stripe.String(p.Amount.Currency().Lower()),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return IntentResult{}, s.processorError("create_payment_intent", err)
	}
	s.logger.Info("payment intent created", "op", "create_payment_intent", "id", pi.ID, "amount", p.Amount.String())
	return IntentResult{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Refund refunds the full captured amount of a payment intent.
func (s *StripeService) Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", s.processorError("refund", err)
	}
	s.logger.Info("refund created", "op", "refund", "paymentIntent", paymentIntentID, "refund", r.ID, "status", r.Status)
	return r.ID, nil
}

func (s *StripeService) CreateTransfer(ctx context.Context, p TransferParams) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.Amount.Minor()),
		Currency:    stripe.String(p.Amount.Currency().Lower()),
		Destination: stripe.String(p.Destination),
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return "", s.processorError("transfer", err)
	}
	s.logger.Info("transfer created", "op", "transfer", "id", tr.ID, "destination", p.Destination, "amount", p.Amount.String())
	return tr.ID, nil
}

// RetrieveBalance reads the balance of a connected account.
func (s *StripeService) RetrieveBalance(ctx context.Context, accountID string) (models.ProcessorBalance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	params.SetStripeAccount(accountID)
	b, err := s.api.Balance.Get(params)
	if err != nil {
		return models.ProcessorBalance{}, s.processorError("balance", err)
	}
	out := models.ProcessorBalance{
		AccountID: accountID,
		Available: make(map[string]int64),
		Pending:   make(map[string]int64),
		FetchedAt: time.Now().UTC(),
	}
	for _, a := range b.Available {
		out.Available[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	for _, a := range b.Pending {
		out.Pending[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	return out, nil
}

// ------- CONNECT -------

// CreateConnectedAccount opens an express account the clinic completes
// through an onboarding link.
func (s *StripeService) CreateConnectedAccount(ctx context.Context, p AccountParams) (string, error) {
	params := &stripe.AccountParams{
		Type:         stripe.String(string(stripe.AccountTypeExpress)),
		Country:      stripe.String(p.Country),
		Email:        stripe.String(p.Email),
		BusinessType: stripe.String(string(stripe.AccountBusinessTypeCompany)),
		BusinessProfile: &stripe.AccountBusinessProfileParams{
			Name: stripe.String(p.BusinessName),
		},
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", s.processorError("create_account", err)
	}
	s.logger.Info("connected account created", "op", "create_account", "account", acct.ID, "country", p.Country)
	return acct.ID, nil
}

// CreateAccountLink returns a one-time onboarding URL for a connected account.
func (s *StripeService) CreateAccountLink(ctx context.Context, p AccountLinkParams) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(p.AccountID),
		RefreshURL: stripe.String(p.RefreshURL),
		ReturnURL:  stripe.String(p.ReturnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}
	params.Context = ctx
	link, err := s.api.AccountLinks.New(params)
	if err != nil {
		return "", s.processorError("account_link", err)
	}
	return link.URL, nil
}

func (s *StripeService) processorError(op string, err error) error {
	pe := &ProcessorError{Op: op, Err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		pe.Code = string(se.Code)
		pe.Message = se.Msg
		pe.StatusCode = se.HTTPStatusCode
	} else {
		pe.Message = err.Error()
	}
	s.logger.Error("stripe call failed", "op", op, "status", pe.StatusCode, "code", pe.Code, "err", trim(pe.Message, 300))
	return pe
}
