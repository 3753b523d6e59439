package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicBack/internal/models"
)

const paymentEventColumns = `id, event_type, account, payload, status, attempts, last_error, received_at, processed_at`

// PaymentEventRepository stores processor webhook events for replay.
type PaymentEventRepository struct {
	q queryer
}

func NewPaymentEventRepository(db *DB) *PaymentEventRepository {
	return &PaymentEventRepository{q: db}
}

func scanPaymentEvent(row interface{ Scan(...any) error }) (models.PaymentEvent, error) {
	var (
		e                  models.PaymentEvent
		account, lastError sql.NullString
		processedAt        sql.NullTime
		payload            []byte
	)
	err := row.Scan(&e.ID, &e.Type, &account, &payload, &e.Status, &e.Attempts, &lastError, &e.ReceivedAt, &processedAt)
	e.Account = account.String
	e.LastError = lastError.String
	e.Payload = payload
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, err
}

// SaveEvent inserts the event or returns the stored copy when it was already
// received. The boolean reports whether the event is new.
func (r *PaymentEventRepository) SaveEvent(ctx context.Context, e models.PaymentEvent) (models.PaymentEvent, bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = models.EventStatusReceived
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO payment_events (`+paymentEventColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Type, nullString(e.Account), []byte(e.Payload), e.Status, e.Attempts, nullString(e.LastError), e.ReceivedAt, nil)
	if err == nil {
		return e, true, nil
	}
	if !isDuplicateKeyError(err) {
		return models.PaymentEvent{}, false, err
	}
	stored, err := r.EventByID(ctx, e.ID)
	return stored, false, err
}

func (r *PaymentEventRepository) EventByID(ctx context.Context, id string) (models.PaymentEvent, error) {
	e, err := scanPaymentEvent(r.q.QueryRowContext(ctx,
		`SELECT `+paymentEventColumns+` FROM payment_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, notFound("payment event", id)
	}
	return e, err
}

// MarkEvent records the outcome of one processing attempt.
func (r *PaymentEventRepository) MarkEvent(ctx context.Context, id, status, lastError string) error {
	var processedAt any
	if status == models.EventStatusProcessed || status == models.EventStatusIgnored {
		processedAt = time.Now().UTC()
	}
	res, err := r.q.ExecContext(ctx, `UPDATE payment_events
        SET status = ?, attempts = attempts + 1, last_error = ?, processed_at = ?
        WHERE id = ?`, status, nullString(lastError), processedAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound("payment event", id)
	}
	return nil
}

// ListFailedEvents returns failed events with fewer than maxAttempts attempts, oldest first.
func (r *PaymentEventRepository) ListFailedEvents(ctx context.Context, maxAttempts, limit int) ([]models.PaymentEvent, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+paymentEventColumns+` FROM payment_events
        WHERE status = ? AND attempts < ? ORDER BY received_at LIMIT ?`,
		models.EventStatusFailed, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		e, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
