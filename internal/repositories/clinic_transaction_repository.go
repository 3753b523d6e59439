package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicBack/internal/models"
)

const clinicTxColumns = `id, clinic_id, kind, amount, currency, held_amount, wallet_amount,
        appointment_id, payment_intent_id, charge_id, transfer_id, payout_id, hold_transaction_id,
        idempotency_key, visible, description, created_at`

// ClinicTransactionRepository is append-only apart from AttachTransfer.
type ClinicTransactionRepository struct {
	q queryer
}

func NewClinicTransactionRepository(db *DB) *ClinicTransactionRepository {
	return &ClinicTransactionRepository{q: db}
}

func (r *ClinicTransactionRepository) WithTx(tx *Tx) *ClinicTransactionRepository {
	return &ClinicTransactionRepository{q: tx}
}

func scanClinicTransaction(row interface{ Scan(...any) error }) (models.ClinicTransaction, error) {
	var (
		t                                                  models.ClinicTransaction
		appointment, intent, charge, transfer, payout, hold sql.NullString
	)
	err := row.Scan(&t.ID, &t.ClinicID, &t.Kind, &t.Amount, &t.Currency, &t.HeldAmount, &t.WalletAmount,
		&appointment, &intent, &charge, &transfer, &payout, &hold,
		&t.IdempotencyKey, &t.Visible, &t.Description, &t.CreatedAt)
	t.AppointmentID = appointment.String
	t.PaymentIntentID = intent.String
	t.ChargeID = charge.String
	t.TransferID = transfer.String
	t.PayoutID = payout.String
	t.HoldTransactionID = hold.String
	return t, err
}

func (r *ClinicTransactionRepository) list(ctx context.Context, query string, args ...any) ([]models.ClinicTransaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.ClinicTransaction{}
	for rows.Next() {
		t, err := scanClinicTransaction(rows)
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

// InsertClinicTransaction fails with models.ErrDuplicateEntry when the
// idempotency key was already used.
func (r *ClinicTransactionRepository) InsertClinicTransaction(ctx context.Context, t models.ClinicTransaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO clinic_transactions (`+clinicTxColumns+`)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ClinicID, t.Kind, t.Amount, t.Currency, t.HeldAmount, t.WalletAmount,
		nullString(t.AppointmentID), nullString(t.PaymentIntentID), nullString(t.ChargeID),
		nullString(t.TransferID), nullString(t.PayoutID), nullString(t.HoldTransactionID),
		t.IdempotencyKey, t.Visible, t.Description, t.CreatedAt)
	return wrapWriteErr(err)
}

func (r *ClinicTransactionRepository) ClinicTransactionByKey(ctx context.Context, key string) (models.ClinicTransaction, error) {
	t, err := scanClinicTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+clinicTxColumns+` FROM clinic_transactions WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("clinic transaction", key)
	}
	return t, err
}

func (r *ClinicTransactionRepository) ClinicTransactionForUpdate(ctx context.Context, id string) (models.ClinicTransaction, error) {
	t, err := scanClinicTransaction(r.q.QueryRowContext(ctx,
		`SELECT `+clinicTxColumns+` FROM clinic_transactions WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, notFound("clinic transaction", id)
	}
	return t, err
}

// HoldUsage sums what was taken out of a hold by releases and refunds.
func (r *ClinicTransactionRepository) HoldUsage(ctx context.Context, holdID string) (released, refunded int64, err error) {
	rows, err := r.q.QueryContext(ctx, `SELECT kind, COALESCE(SUM(held_amount), 0) FROM clinic_transactions
        WHERE hold_transaction_id = ? AND kind IN ('release', 'cancelled') GROUP BY kind`, holdID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			sum  int64
		)
		if err := rows.Scan(&kind, &sum); err != nil {
			return 0, 0, err
		}
		if kind == models.ClinicTxRelease {
			released = sum
		} else {
			refunded = sum
		}
	}
	return released, refunded, rows.Err()
}

// OpenHolds locks the clinic's hold entries and returns those with a
// remaining amount, oldest first.
func (r *ClinicTransactionRepository) OpenHolds(ctx context.Context, clinicID string) ([]models.OpenHold, error) {
	holds, err := r.list(ctx, `SELECT `+clinicTxColumns+` FROM clinic_transactions
        WHERE clinic_id = ? AND kind = 'hold' ORDER BY created_at, id FOR UPDATE`, clinicID)
	if err != nil {
		return nil, err
	}
	if len(holds) == 0 {
		return nil, nil
	}

	rows, err := r.q.QueryContext(ctx, `SELECT hold_transaction_id, kind, COALESCE(SUM(held_amount), 0)
        FROM clinic_transactions
        WHERE clinic_id = ? AND hold_transaction_id IS NOT NULL AND kind IN ('release', 'cancelled')
        GROUP BY hold_transaction_id, kind`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type usage struct{ released, refunded int64 }
	used := make(map[string]usage)
	for rows.Next() {
		var (
			holdID, kind string
			sum          int64
		)
		if err := rows.Scan(&holdID, &kind, &sum); err != nil {
			return nil, err
		}
		u := used[holdID]
		if kind == models.ClinicTxRelease {
			u.released += sum
		} else {
			u.refunded += sum
		}
		used[holdID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var open []models.OpenHold
	for _, h := range holds {
		u := used[h.ID]
		remaining := h.Amount - u.released - u.refunded
		if remaining <= 0 {
			continue
		}
		open = append(open, models.OpenHold{Hold: h, Released: u.released, Refunded: u.refunded, Remaining: remaining})
	}
	return open, nil
}

// ComputedHeld recomputes the held balance from the ledger.
func (r *ClinicTransactionRepository) ComputedHeld(ctx context.Context, clinicID string) (int64, error) {
	var held int64
	err := r.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE
            WHEN kind = 'hold' THEN amount
            WHEN kind IN ('release', 'cancelled') THEN -held_amount
            ELSE 0 END), 0)
        FROM clinic_transactions WHERE clinic_id = ?`, clinicID).Scan(&held)
	return held, err
}

// AttachTransfer fills the transfer reference of an entry once.
func (r *ClinicTransactionRepository) AttachTransfer(ctx context.Context, id, transferID string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE clinic_transactions SET transfer_id = ? WHERE id = ? AND transfer_id IS NULL`,
		transferID, id)
	return err
}

func (r *ClinicTransactionRepository) ListVisibleClinicTransactions(ctx context.Context, clinicID string, limit, offset int) ([]models.ClinicTransaction, error) {
	return r.list(ctx, `SELECT `+clinicTxColumns+` FROM clinic_transactions
        WHERE clinic_id = ? AND visible = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		clinicID, true, limit, offset)
}

func (r *ClinicTransactionRepository) CountVisibleClinicTransactions(ctx context.Context, clinicID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM clinic_transactions WHERE clinic_id = ? AND visible = ?`,
		clinicID, true).Scan(&n)
	return n, err
}

// SumVisibleReleases sums visible release entries created at or after since.
func (r *ClinicTransactionRepository) SumVisibleReleases(ctx context.Context, clinicID string, since time.Time) (int64, error) {
	var sum int64
	err := r.q.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM clinic_transactions
        WHERE clinic_id = ? AND kind = 'release' AND visible = ? AND created_at >= ?`,
		clinicID, true, since.UTC()).Scan(&sum)
	return sum, err
}

// ClinicStatementEntries lists visible entries in [from, to), oldest first.
func (r *ClinicTransactionRepository) ClinicStatementEntries(ctx context.Context, clinicID string, from, to time.Time) ([]models.ClinicTransaction, error) {
	return r.list(ctx, `SELECT `+clinicTxColumns+` FROM clinic_transactions
        WHERE clinic_id = ? AND visible = ? AND created_at >= ? AND created_at < ?
        ORDER BY created_at, id`,
		clinicID, true, from.UTC(), to.UTC())
}
