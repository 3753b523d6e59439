package models

import (
	"time"

	"clinicBack/internal/money"
)

// Appointment statuses.
const (
	AppointmentPending    = "pending"
	AppointmentConfirmed  = "confirmed"
	AppointmentPaid       = "paid"
	AppointmentOngoing    = "ongoing"
	AppointmentCompleted  = "completed"
	AppointmentCancelled  = "cancelled"
	AppointmentRefunded   = "refunded"
	AppointmentFailed     = "failed"
	AppointmentReschedule = "reschedule_on_another_day"
)

// Payment statuses.
const (
	PaymentUnpaid     = "unpaid"
	PaymentProcessing = "processing"
	PaymentPaid       = "paid"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

// Appointment is a booked treatment slot and its payment state.
type Appointment struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	ClinicID        string    `json:"clinic_id"`
	TreatmentID     string    `json:"treatment_id"`
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	Status          string    `json:"status"`
	PaymentStatus   string    `json:"payment_status"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
	ChargeID        string    `json:"charge_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Price returns the captured amount as Money.
func (a Appointment) Price() (money.Money, error) {
	return money.New(a.Amount, a.Currency)
}

// IsRefunded reports whether either axis already reached refunded.
func (a Appointment) IsRefunded() bool {
	return a.Status == AppointmentRefunded || a.PaymentStatus == PaymentRefunded
}
