package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicBack/internal/models"
)

const clinicColumns = `id, name, processor_account_id, held_balance, wallet_balance, currency,
        notifications_enabled, created_at, updated_at`

// ClinicRepository owns the clinic balance columns. Balances only change
// through single-statement increments so concurrent writers never lose updates.
type ClinicRepository struct {
	q queryer
}

func NewClinicRepository(db *DB) *ClinicRepository {
	return &ClinicRepository{q: db}
}

func (r *ClinicRepository) WithTx(tx *Tx) *ClinicRepository {
	return &ClinicRepository{q: tx}
}

func scanClinic(row interface{ Scan(...any) error }) (models.Clinic, error) {
	var (
		c       models.Clinic
		account sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &account, &c.HeldBalance, &c.WalletBalance, &c.Currency,
		&c.NotificationsEnabled, &c.CreatedAt, &c.UpdatedAt)
	c.ProcessorAccountID = account.String
	return c, err
}

func (r *ClinicRepository) one(ctx context.Context, key, query string, args ...any) (models.Clinic, error) {
	c, err := scanClinic(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Clinic{}, notFound("clinic", key)
		}
		return models.Clinic{}, err
	}
	return c, nil
}

func (r *ClinicRepository) ClinicByID(ctx context.Context, id string) (models.Clinic, error) {
	return r.one(ctx, id, `SELECT `+clinicColumns+` FROM clinics WHERE id = ?`, id)
}

func (r *ClinicRepository) ClinicForUpdate(ctx context.Context, id string) (models.Clinic, error) {
	return r.one(ctx, id, `SELECT `+clinicColumns+` FROM clinics WHERE id = ? FOR UPDATE`, id)
}

// ClinicByAccount finds a clinic by its connected processor account.
func (r *ClinicRepository) ClinicByAccount(ctx context.Context, accountID string) (models.Clinic, error) {
	return r.one(ctx, accountID, `SELECT `+clinicColumns+` FROM clinics WHERE processor_account_id = ?`, accountID)
}

// ListClinicIDs pages through clinic ids in a stable order.
func (r *ClinicRepository) ListClinicIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id FROM clinics WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *ClinicRepository) exec(ctx context.Context, id string, guardErr error, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := r.ClinicByID(ctx, id); err != nil {
			return err
		}
		return guardErr
	}
	return nil
}

// SetProcessorAccount stores the clinic's connected account once. A clinic
// that already has one fails with models.ErrDuplicateEntry.
func (r *ClinicRepository) SetProcessorAccount(ctx context.Context, clinicID, accountID string) error {
	return r.exec(ctx, clinicID, fmt.Errorf("clinic %s processor account: %w", clinicID, models.ErrDuplicateEntry),
		`UPDATE clinics SET processor_account_id = ?, updated_at = ?
        WHERE id = ? AND (processor_account_id IS NULL OR processor_account_id = '')`,
		accountID, time.Now().UTC(), clinicID)
}

// IncrementHeld adds a captured payment to the held balance.
func (r *ClinicRepository) IncrementHeld(ctx context.Context, clinicID string, amount int64) error {
	return r.exec(ctx, clinicID, nil,
		`UPDATE clinics SET held_balance = held_balance + ?, updated_at = ? WHERE id = ?`,
		amount, time.Now().UTC(), clinicID)
}

// MoveHeldToWallet releases amount from held into wallet. It fails with
// models.ErrInsufficientFunds when less than amount is held.
func (r *ClinicRepository) MoveHeldToWallet(ctx context.Context, clinicID string, amount int64) error {
	return r.exec(ctx, clinicID, fmt.Errorf("clinic %s held balance: %w", clinicID, models.ErrInsufficientFunds),
		`UPDATE clinics SET held_balance = held_balance - ?, wallet_balance = wallet_balance + ?, updated_at = ?
        WHERE id = ? AND held_balance >= ?`,
		amount, amount, time.Now().UTC(), clinicID, amount)
}

// AbsorbRefund takes a refund out of held and wallet. The wallet part is not
// guarded: a refund after release may leave the wallet negative.
func (r *ClinicRepository) AbsorbRefund(ctx context.Context, clinicID string, held, wallet int64) error {
	return r.exec(ctx, clinicID, fmt.Errorf("clinic %s held balance: %w", clinicID, models.ErrInsufficientFunds),
		`UPDATE clinics SET held_balance = held_balance - ?, wallet_balance = wallet_balance - ?, updated_at = ?
        WHERE id = ? AND held_balance >= ?`,
		held, wallet, time.Now().UTC(), clinicID, held)
}

// DebitWallet subtracts amount from the wallet. With guard set the update only
// applies when the wallet covers it; payouts already executed by the processor
// are recorded unguarded.
func (r *ClinicRepository) DebitWallet(ctx context.Context, clinicID string, amount int64, guard bool) error {
	if !guard {
		return r.exec(ctx, clinicID, nil,
			`UPDATE clinics SET wallet_balance = wallet_balance - ?, updated_at = ? WHERE id = ?`,
			amount, time.Now().UTC(), clinicID)
	}
	return r.exec(ctx, clinicID, fmt.Errorf("clinic %s wallet: %w", clinicID, models.ErrInsufficientFunds),
		`UPDATE clinics SET wallet_balance = wallet_balance - ?, updated_at = ? WHERE id = ? AND wallet_balance >= ?`,
		amount, time.Now().UTC(), clinicID, amount)
}
