package models

import (
	"encoding/json"
	"time"
)

// Processor event types the reconciler acts on.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded   = "charge.refunded"
	EventPayoutPaid       = "payout.paid"
)

// Stored event processing states.
const (
	EventStatusReceived  = "received"
	EventStatusProcessed = "processed"
	EventStatusIgnored   = "ignored"
	EventStatusFailed    = "failed"
)

// PaymentEvent is the stored copy of a processor webhook event.
type PaymentEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Account     string          `json:"account,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// ProcessorEvent is a verified, decoded processor event.
// Exactly one of the typed payloads is set for the handled event types.
type ProcessorEvent struct {
	ID            string
	Type          string
	Account       string
	Created       time.Time
	Payload       []byte
	PaymentIntent *IntentPayload
	Charge        *ChargePayload
	Payout        *PayoutPayload
}

type IntentPayload struct {
	ID           string
	Amount       int64
	Currency     string
	Status       string
	LatestCharge string
	Metadata     map[string]string
	FailureMsg   string
}

type ChargePayload struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	AmountRefunded  int64
	Currency        string
}

type PayoutPayload struct {
	ID          string
	Amount      int64
	Currency    string
	Destination string
}

// Booking metadata keys attached to payment intents at checkout.
const (
	MetaAppointmentID = "appointmentId"
	MetaUserID        = "userId"
	MetaClinicID      = "clinicId"
	MetaTreatmentID   = "treatmentId"
	MetaTreatmentName = "treatmentName"
	MetaDate          = "date"
	MetaTime          = "time"
)
