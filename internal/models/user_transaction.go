package models

import "time"

// User ledger entry kinds.
const (
	UserTxPlatformCharge = "platform_charge"
	UserTxRefund         = "refund"
	UserTxCredit         = "credit"
	UserTxDebit          = "debit"
	UserTxHold           = "hold"
)

type UserTransaction struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Kind            string    `json:"kind"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	AppointmentID   string    `json:"appointment_id,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	ChargeID        string    `json:"charge_id,omitempty"`
	IdempotencyKey  string    `json:"-"`
	Visible         bool      `json:"visible"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}
