package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicBack/internal/models"
)

const userTxColumns = `id, user_id, kind, amount, currency, appointment_id, payment_intent_id, charge_id,
        idempotency_key, visible, description, created_at`

type UserTransactionRepository struct {
	q queryer
}

func NewUserTransactionRepository(db *DB) *UserTransactionRepository {
	return &UserTransactionRepository{q: db}
}

func (r *UserTransactionRepository) WithTx(tx *Tx) *UserTransactionRepository {
	return &UserTransactionRepository{q: tx}
}

func scanUserTransaction(row interface{ Scan(...any) error }) (models.UserTransaction, error) {
	var (
		t                           models.UserTransaction
		appointment, intent, charge sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Currency, &appointment, &intent, &charge,
		&t.IdempotencyKey, &t.Visible, &t.Description, &t.CreatedAt)
	t.AppointmentID = appointment.String
	t.PaymentIntentID = intent.String
	t.ChargeID = charge.String
	return t, err
}

func (r *UserTransactionRepository) InsertUserTransaction(ctx context.Context, t models.UserTransaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO user_transactions (`+userTxColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Kind, t.Amount, t.Currency,
		nullString(t.AppointmentID), nullString(t.PaymentIntentID), nullString(t.ChargeID),
		t.IdempotencyKey, t.Visible, t.Description, t.CreatedAt)
	return wrapWriteErr(err)
}

func (r *UserTransactionRepository) UserTransactionByKey(ctx context.Context, userID, key string) (models.UserTransaction, error) {
	t, err := scanUserTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+userTxColumns+` FROM user_transactions WHERE user_id = ? AND idempotency_key = ?`, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("user transaction", key)
	}
	return t, err
}

func (r *UserTransactionRepository) ListVisibleUserTransactions(ctx context.Context, userID string, limit, offset int) ([]models.UserTransaction, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userTxColumns+` FROM user_transactions
        WHERE user_id = ? AND visible = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, true, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.UserTransaction{}
	for rows.Next() {
		t, err := scanUserTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

func (r *UserTransactionRepository) CountVisibleUserTransactions(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_transactions WHERE user_id = ? AND visible = ?`,
		userID, true).Scan(&n)
	return n, err
}
