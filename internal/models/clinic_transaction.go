package models

import (
	"fmt"
	"time"
)

// Clinic ledger entry kinds.
const (
	ClinicTxHold            = "hold"
	ClinicTxRelease         = "release"
	ClinicTxDebit           = "debit"
	ClinicTxCredit          = "credit"
	ClinicTxCancelled       = "cancelled"
	ClinicTxPlatformReceipt = "platform_receipt"
)

// ClinicTransaction is an append-only entry of a clinic ledger.
// HeldAmount and WalletAmount record which balance absorbed the entry.
type ClinicTransaction struct {
	ID                string    `json:"id"`
	ClinicID          string    `json:"clinic_id"`
	Kind              string    `json:"kind"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	HeldAmount        int64     `json:"held_amount"`
	WalletAmount      int64     `json:"wallet_amount"`
	AppointmentID     string    `json:"appointment_id,omitempty"`
	PaymentIntentID   string    `json:"payment_intent_id,omitempty"`
	ChargeID          string    `json:"charge_id,omitempty"`
	TransferID        string    `json:"transfer_id,omitempty"`
	PayoutID          string    `json:"payout_id,omitempty"`
	HoldTransactionID string    `json:"hold_transaction_id,omitempty"`
	IdempotencyKey    string    `json:"-"`
	Visible           bool      `json:"visible"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `json:"created_at"`
}

// OpenHold is a hold entry with what is still held against it.
type OpenHold struct {
	Hold      ClinicTransaction `json:"hold"`
	Released  int64             `json:"released"`
	Refunded  int64             `json:"refunded"`
	Remaining int64             `json:"remaining"`
}

func HoldKey(paymentIntentID string) string { return "hold:" + paymentIntentID }

func PlatformChargeKey(paymentIntentID string) string { return "platform_charge:" + paymentIntentID }

// RefundKey is shared by the clinic cancelled entry and the user refund entry.
func RefundKey(paymentIntentID string) string { return "refund:" + paymentIntentID }

func PayoutKey(payoutID string) string { return "payout:" + payoutID }

// ReleaseKey identifies a release by the hold and the amount already released
// from it, so a retried request collides while a later partial release does not.
func ReleaseKey(holdID string, releasedBefore int64) string {
	return fmt.Sprintf("release:%s:%d", holdID, releasedBefore)
}

// WithdrawKey scopes a caller supplied key to the clinic that sent it.
func WithdrawKey(clinicID, key string) string { return "withdraw:" + clinicID + ":" + key }
