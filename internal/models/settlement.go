package models

import "time"

// ReleaseRequest targets either one hold entry or a whole clinic.
// A nil Amount releases everything still held.
type ReleaseRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ClinicID      string `json:"clinic_id,omitempty"`
	Amount        *int64 `json:"amount,omitempty"`
}

type ReleaseResult struct {
	Clinic       Clinic              `json:"clinic"`
	Released     int64               `json:"released"`
	Transactions []ClinicTransaction `json:"transactions"`
	TransferID   string              `json:"transfer_id,omitempty"`
}

type RefundResult struct {
	Appointment     Appointment       `json:"appointment"`
	RefundID        string            `json:"refund_id"`
	ClinicEntry     ClinicTransaction `json:"clinic_transaction"`
	UserEntry       UserTransaction   `json:"user_transaction"`
	AlreadyRecorded bool              `json:"already_recorded"`
}

type WithdrawRequest struct {
	ClinicID       string `json:"clinic_id"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type WithdrawResult struct {
	Clinic      Clinic            `json:"clinic"`
	Transaction ClinicTransaction `json:"transaction"`
}

type CheckoutRequest struct {
	AppointmentID string `json:"appointment_id,omitempty"`
	UserID        string `json:"user_id"`
	ClinicID      string `json:"clinic_id"`
	TreatmentID   string `json:"treatment_id"`
	TreatmentName string `json:"treatment_name,omitempty"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type CheckoutResult struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// OnboardRequest connects a clinic to the processor. Country defaults to US.
type OnboardRequest struct {
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Country  string `json:"country,omitempty"`
}

type OnboardResult struct {
	Clinic    Clinic `json:"clinic"`
	AccountID string `json:"account_id"`
	URL       string `json:"url"`
	Created   bool   `json:"created"`
}

type ProcessorBalance struct {
	ClinicID  string           `json:"clinic_id"`
	AccountID string           `json:"account_id"`
	Available map[string]int64 `json:"available"`
	Pending   map[string]int64 `json:"pending"`
	FetchedAt time.Time        `json:"fetched_at"`
}
