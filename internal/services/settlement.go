package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clinicBack/internal/fsm"
	"clinicBack/internal/models"
	"clinicBack/internal/money"
	"clinicBack/internal/repositories"
)

func isNotFound(err error) bool { return errors.Is(err, models.ErrNotFound) }

func newID() string { return uuid.NewString() }

// followUps are side effects run after the settlement transaction commits.
type followUps []func(ctx context.Context)

func (f *followUps) add(fn func(ctx context.Context)) { *f = append(*f, fn) }

func (f followUps) run(ctx context.Context) {
	for _, fn := range f {
		fn(ctx)
	}
}

// refundSplit decides which balance absorbs a refund: what is still held
// against the hold first, then the wallet.
func refundSplit(holdRemaining, amount int64) (held, wallet int64) {
	held = amount
	if holdRemaining < held {
		held = holdRemaining
	}
	if held < 0 {
		held = 0
	}
	return held, amount - held
}

type refundRecord struct {
	clinicEntry models.ClinicTransaction
	userEntry   models.UserTransaction
	appointment models.Appointment
}

// recordRefund writes both refund entries, absorbs the refund from the
// clinic balances and moves the appointment to refunded. Both entries are
// keyed by the payment intent, so an admin refund and the processor's
// refund event converge on one record.
func recordRefund(ctx context.Context, tx repositories.SettlementTx, held *HeldFundsService,
	appt models.Appointment, amount int64, chargeID, refundID string, now time.Time) (refundRecord, error) {

	if appt.IsRefunded() {
		return refundRecord{}, fmt.Errorf("appointment %s: %w", appt.ID, models.ErrAlreadyRefunded)
	}
	if appt.PaymentIntentID == "" {
		return refundRecord{}, fmt.Errorf("appointment %s: %w", appt.ID, models.ErrNotCaptured)
	}
	if amount <= 0 {
		amount = appt.Amount
	}
	refund, err := money.New(amount, appt.Currency)
	if err != nil {
		return refundRecord{}, err
	}
	if !refund.IsPositive() {
		return refundRecord{}, fmt.Errorf("refund of %s: %w", refund, models.ErrInvalidAmount)
	}

	if _, err := tx.ClinicForUpdate(ctx, appt.ClinicID); err != nil {
		return refundRecord{}, err
	}

	var holdID string
	var remaining int64
	hold, err := tx.ClinicTransactionByKey(ctx, models.HoldKey(appt.PaymentIntentID))
	switch {
	case err == nil:
		if _, err := tx.ClinicTransactionForUpdate(ctx, hold.ID); err != nil {
			return refundRecord{}, err
		}
		released, refunded, err := tx.HoldUsage(ctx, hold.ID)
		if err != nil {
			return refundRecord{}, err
		}
		holdID = hold.ID
		remaining = hold.Amount - released - refunded
	case isNotFound(err):
	default:
		return refundRecord{}, err
	}
	heldPart, walletPart := refundSplit(remaining, amount)

	if chargeID == "" {
		chargeID = appt.ChargeID
	}
	clinicEntry := models.ClinicTransaction{
		ID:                newID(),
		ClinicID:          appt.ClinicID,
		Kind:              models.ClinicTxCancelled,
		Amount:            amount,
		Currency:          refund.Currency().String(),
		HeldAmount:        heldPart,
		WalletAmount:      walletPart,
		AppointmentID:     appt.ID,
		PaymentIntentID:   appt.PaymentIntentID,
		ChargeID:          chargeID,
		HoldTransactionID: holdID,
		IdempotencyKey:    models.RefundKey(appt.PaymentIntentID),
		Visible:           true,
		Description:       fmt.Sprintf("Refund of %s for appointment on %s %s", refund, appt.Date, appt.Time),
		CreatedAt:         now,
	}
	if err := tx.InsertClinicTransaction(ctx, clinicEntry); err != nil {
		return refundRecord{}, err
	}
	if err := held.AbsorbRefund(ctx, tx, appt.ClinicID, heldPart, walletPart); err != nil {
		return refundRecord{}, err
	}

	userEntry := models.UserTransaction{
		ID:              newID(),
		UserID:          appt.UserID,
		Kind:            models.UserTxRefund,
		Amount:          amount,
		Currency:        refund.Currency().String(),
		AppointmentID:   appt.ID,
		PaymentIntentID: appt.PaymentIntentID,
		ChargeID:        chargeID,
		IdempotencyKey:  models.RefundKey(appt.PaymentIntentID),
		Visible:         true,
		Description:     fmt.Sprintf("Refunded %s", refund),
		CreatedAt:       now,
	}
	if refundID != "" {
		userEntry.Description += " (" + refundID + ")"
	}
	if err := tx.InsertUserTransaction(ctx, userEntry); err != nil {
		return refundRecord{}, err
	}

	from := fsm.State{Status: appt.Status, PaymentStatus: appt.PaymentStatus}
	to := fsm.State{Status: models.AppointmentRefunded, PaymentStatus: models.PaymentRefunded}
	if err := tx.TransitionAppointment(ctx, appt.ID, from, to); err != nil {
		return refundRecord{}, err
	}
	appt.Status, appt.PaymentStatus, appt.UpdatedAt = to.Status, to.PaymentStatus, now
	return refundRecord{clinicEntry: clinicEntry, userEntry: userEntry, appointment: appt}, nil
}
