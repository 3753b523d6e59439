package fsm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicBack/internal/models"
)

var statusTransitions = map[string]map[string]struct{}{
	models.AppointmentPending: {
		models.AppointmentConfirmed: {},
		models.AppointmentCancelled: {},
		models.AppointmentFailed:    {},
		models.AppointmentRefunded:  {},
	},
	models.AppointmentConfirmed: {
		models.AppointmentCompleted:  {},
		models.AppointmentCancelled:  {},
		models.AppointmentRefunded:   {},
		models.AppointmentReschedule: {},
		models.AppointmentOngoing:    {},
		models.AppointmentPaid:       {},
	},
	models.AppointmentPaid: {
		models.AppointmentOngoing:   {},
		models.AppointmentCompleted: {},
		models.AppointmentCancelled: {},
		models.AppointmentRefunded:  {},
	},
	models.AppointmentOngoing: {
		models.AppointmentCompleted: {},
		models.AppointmentRefunded:  {},
	},
	models.AppointmentReschedule: {
		models.AppointmentConfirmed: {},
		models.AppointmentCancelled: {},
		models.AppointmentRefunded:  {},
	},
	models.AppointmentFailed: {
		models.AppointmentPending:   {},
		models.AppointmentConfirmed: {},
		models.AppointmentCancelled: {},
	},
	models.AppointmentCompleted: {models.AppointmentRefunded: {}},
	models.AppointmentCancelled: {models.AppointmentRefunded: {}},
	models.AppointmentRefunded:  {},
}

var paymentTransitions = map[string]map[string]struct{}{
	models.PaymentUnpaid: {
		models.PaymentProcessing: {},
		models.PaymentPaid:       {},
		models.PaymentFailed:     {},
	},
	models.PaymentProcessing: {
		models.PaymentPaid:   {},
		models.PaymentFailed: {},
	},
	models.PaymentFailed: {
		models.PaymentProcessing: {},
		models.PaymentPaid:       {},
	},
	models.PaymentPaid: {
		models.PaymentFailed:   {},
		models.PaymentRefunded: {},
	},
	models.PaymentRefunded: {},
}

func can(table map[string]map[string]struct{}, from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := table[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// CanTransition returns whether an appointment can move between lifecycle statuses.
func CanTransition(from, to string) bool {
	return can(statusTransitions, from, to)
}

// CanTransitionPayment returns whether the payment axis can move between statuses.
func CanTransitionPayment(from, to string) bool {
	return can(paymentTransitions, from, to)
}

// State is the pair of appointment axes.
type State struct {
	Status        string
	PaymentStatus string
}

func (s State) String() string { return s.Status + "/" + s.PaymentStatus }

// Check validates both axes of a transition.
func Check(from, to State) error {
	if !CanTransition(from.Status, to.Status) || !CanTransitionPayment(from.PaymentStatus, to.PaymentStatus) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	return nil
}

// Execer is satisfied by *sql.Tx and the repositories' dialect-aware transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply updates an appointment's statuses using optimistic validation.
func Apply(ctx context.Context, tx Execer, appointmentID string, from, to State) error {
	if err := Check(from, to); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE appointments SET status = ?, payment_status = ?, updated_at = ? WHERE id = ? AND status = ? AND payment_status = ?`,
		to.Status, to.PaymentStatus, time.Now().UTC(), appointmentID, from.Status, from.PaymentStatus)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
