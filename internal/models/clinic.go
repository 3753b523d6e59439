package models

import "time"

type Clinic struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	ProcessorAccountID   string    `json:"processor_account_id,omitempty"`
	HeldBalance          int64     `json:"held_balance"`
	WalletBalance        int64     `json:"wallet_balance"`
	Currency             string    `json:"currency"`
	NotificationsEnabled bool      `json:"notifications_enabled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
