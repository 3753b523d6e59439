package repositories

import (
	"context"
	"database/sql"
	"errors"

	"clinicBack/internal/models"
)

type UserRepository struct {
	q queryer
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{q: db}
}

func (r *UserRepository) WithTx(tx *Tx) *UserRepository {
	return &UserRepository{q: tx}
}

func (r *UserRepository) UserByID(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := r.q.QueryRowContext(ctx, `SELECT id, name, wallet_balance, held_balance, currency, created_at
        FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.WalletBalance, &u.HeldBalance, &u.Currency, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, notFound("user", id)
		}
		return models.User{}, err
	}
	return u, nil
}
