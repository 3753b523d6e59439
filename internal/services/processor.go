package services

import (
	"context"
	"fmt"
	"strings"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
)

// PaymentProcessor is the outbound side of the payment processor.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, p IntentParams) (IntentResult, error)
	Refund(ctx context.Context, paymentIntentID, idempotencyKey string) (string, error)
	CreateTransfer(ctx context.Context, p TransferParams) (string, error)
	RetrieveBalance(ctx context.Context, accountID string) (models.ProcessorBalance, error)
	CreateConnectedAccount(ctx context.Context, p AccountParams) (string, error)
	CreateAccountLink(ctx context.Context, p AccountLinkParams) (string, error)
}

// WebhookVerifier turns signed webhook bodies into events. ParseEvent skips
// the signature check and is only used for events already stored.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (models.ProcessorEvent, error)
	ParseEvent(payload []byte) (models.ProcessorEvent, error)
}

type IntentParams struct {
	Amount         money.Money
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

type IntentResult struct {
	ID           string
	ClientSecret string
}

type TransferParams struct {
	Amount         money.Money
	Destination    string
	Metadata       map[string]string
	IdempotencyKey string
}

// AccountParams describes an express connected account for a clinic.
type AccountParams struct {
	Country        string
	Email          string
	BusinessName   string
	Metadata       map[string]string
	IdempotencyKey string
}

type AccountLinkParams struct {
	AccountID  string
	RefreshURL string
	ReturnURL  string
}

// ProcessorError wraps a failed call to the payment processor.
type ProcessorError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ProcessorError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "processor %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + trim(e.Message, 300))
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProcessorError) Unwrap() error { return e.Err }

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
