package models

import (
	"time"

	"clinicBack/internal/money"
)

type Pagination struct {
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
	TotalCount  int `json:"total_count"`
	Limit       int `json:"limit"`
}

// NewPagination clamps page and limit and derives the page count.
func NewPagination(page, limit, total int) Pagination {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	pages := (total + limit - 1) / limit
	return Pagination{CurrentPage: page, TotalPages: pages, TotalCount: total, Limit: limit}
}

// Offset is the row offset of the current page.
func (p Pagination) Offset() int { return (p.CurrentPage - 1) * p.Limit }

type ClinicWallet struct {
	ClinicID      string              `json:"clinic_id"`
	HeldBalance   money.Money         `json:"held_balance"`
	WalletBalance money.Money         `json:"wallet_balance"`
	TotalEarnings money.Money         `json:"total_earnings"`
	TodayEarnings money.Money         `json:"today_earnings"`
	Transactions  []ClinicTransaction `json:"transactions"`
	Pagination    Pagination          `json:"pagination"`
}

type UserWallet struct {
	UserID        string            `json:"user_id"`
	HeldBalance   money.Money       `json:"held_balance"`
	WalletBalance money.Money       `json:"wallet_balance"`
	Transactions  []UserTransaction `json:"transactions"`
	Pagination    Pagination        `json:"pagination"`
}

// HeldBalanceAudit compares the stored held balance with the ledger.
type HeldBalanceAudit struct {
	ClinicID  string    `json:"clinic_id"`
	Currency  string    `json:"currency"`
	Stored    int64     `json:"stored"`
	Computed  int64     `json:"computed"`
	Diverged  bool      `json:"diverged"`
	CheckedAt time.Time `json:"checked_at"`
}

// BalanceUpdate is pushed to live wallet subscribers after a balance change.
type BalanceUpdate struct {
	ClinicID      string    `json:"clinic_id"`
	HeldBalance   int64     `json:"held_balance"`
	WalletBalance int64     `json:"wallet_balance"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}
