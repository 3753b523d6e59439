package repositories

import (
	"context"
	"time"

	"clinicBack/internal/models"
)

type DeviceTokenRepository struct {
	q queryer
}

func NewDeviceTokenRepository(db *DB) *DeviceTokenRepository {
	return &DeviceTokenRepository{q: db}
}

// SaveToken registers a device token; registering it twice is not an error.
func (r *DeviceTokenRepository) SaveToken(ctx context.Context, t models.DeviceToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, `INSERT INTO device_tokens (owner_type, owner_id, token, created_at) VALUES (?,?,?,?)`,
		t.OwnerType, t.OwnerID, t.Token, t.CreatedAt)
	if isDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (r *DeviceTokenRepository) Tokens(ctx context.Context, ownerType, ownerID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT token FROM device_tokens WHERE owner_type = ? AND owner_id = ?`,
		ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteTokens prunes tokens the push provider reported as unregistered.
func (r *DeviceTokenRepository) DeleteTokens(ctx context.Context, ownerType, ownerID string, tokens []string) error {
	for _, t := range tokens {
		if _, err := r.q.ExecContext(ctx, `DELETE FROM device_tokens WHERE owner_type = ? AND owner_id = ? AND token = ?`,
			ownerType, ownerID, t); err != nil {
			return err
		}
	}
	return nil
}
