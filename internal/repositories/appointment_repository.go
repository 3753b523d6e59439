package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicBack/internal/fsm"
	"clinicBack/internal/models"
)

const appointmentColumns = `id, user_id, clinic_id, treatment_id, appointment_date, appointment_time,
        status, payment_status, amount, currency, payment_intent_id, charge_id, created_at, updated_at`

type AppointmentRepository struct {
	q queryer
}

func NewAppointmentRepository(db *DB) *AppointmentRepository {
	return &AppointmentRepository{q: db}
}

// WithTx binds the repository to a transaction.
func (r *AppointmentRepository) WithTx(tx *Tx) *AppointmentRepository {
	return &AppointmentRepository{q: tx}
}

func scanAppointment(row interface{ Scan(...any) error }) (models.Appointment, error) {
	var (
		a              models.Appointment
		intent, charge sql.NullString
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ClinicID, &a.TreatmentID, &a.Date, &a.Time,
		&a.Status, &a.PaymentStatus, &a.Amount, &a.Currency, &intent, &charge, &a.CreatedAt, &a.UpdatedAt)
	a.PaymentIntentID = intent.String
	a.ChargeID = charge.String
	return a, err
}

func (r *AppointmentRepository) one(ctx context.Context, key, query string, args ...any) (models.Appointment, error) {
	a, err := scanAppointment(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Appointment{}, notFound("appointment", key)
		}
		return models.Appointment{}, err
	}
	return a, nil
}

func (r *AppointmentRepository) AppointmentByID(ctx context.Context, id string) (models.Appointment, error) {
	return r.one(ctx, id, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
}

// AppointmentForUpdate locks the row until the surrounding transaction ends.
func (r *AppointmentRepository) AppointmentForUpdate(ctx context.Context, id string) (models.Appointment, error) {
	return r.one(ctx, id, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ? FOR UPDATE`, id)
}

func (r *AppointmentRepository) AppointmentByIntentForUpdate(ctx context.Context, intentID string) (models.Appointment, error) {
	return r.one(ctx, intentID, `SELECT `+appointmentColumns+` FROM appointments WHERE payment_intent_id = ? FOR UPDATE`, intentID)
}

func (r *AppointmentRepository) CreateAppointment(ctx context.Context, a models.Appointment) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO appointments (`+appointmentColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.ClinicID, a.TreatmentID, a.Date, a.Time, a.Status, a.PaymentStatus,
		a.Amount, a.Currency, nullString(a.PaymentIntentID), nullString(a.ChargeID), a.CreatedAt, now)
	return wrapWriteErr(err)
}

// TransitionAppointment applies a compare-and-set status change.
func (r *AppointmentRepository) TransitionAppointment(ctx context.Context, id string, from, to fsm.State) error {
	if err := fsm.Apply(ctx, r.q, id, from, to); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("appointment", id)
		}
		return err
	}
	return nil
}

// SetPaymentReferences stores the processor references and captured amount.
// Empty references keep the stored value.
func (r *AppointmentRepository) SetPaymentReferences(ctx context.Context, id, intentID, chargeID string, amount int64, currency string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE appointments SET
            payment_intent_id = COALESCE(?, payment_intent_id),
            charge_id = COALESCE(?, charge_id),
            amount = ?, currency = ?, updated_at = ?
        WHERE id = ?`,
		nullString(intentID), nullString(chargeID), amount, currency, time.Now().UTC(), id)
	if err != nil {
		return wrapWriteErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound("appointment", id)
	}
	return nil
}
