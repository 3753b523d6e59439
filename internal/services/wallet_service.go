package services

import (
	"context"
	"fmt"
	"time"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
)

type WalletStore interface {
	ClinicByID(ctx context.Context, id string) (models.Clinic, error)
	UserByID(ctx context.Context, id string) (models.User, error)
	ListVisibleClinicTransactions(ctx context.Context, clinicID string, limit, offset int) ([]models.ClinicTransaction, error)
	CountVisibleClinicTransactions(ctx context.Context, clinicID string) (int, error)
	SumVisibleReleases(ctx context.Context, clinicID string, since time.Time) (int64, error)
	ListVisibleUserTransactions(ctx context.Context, userID string, limit, offset int) ([]models.UserTransaction, error)
	CountVisibleUserTransactions(ctx context.Context, userID string) (int, error)
}

// WalletService is the read side of the clinic and user wallets.
type WalletService struct {
	store WalletStore
	loc   *time.Location
	now   func() time.Time
}

// NewWalletService uses loc for the "today" boundary of clinic earnings.
func NewWalletService(store WalletStore, loc *time.Location) *WalletService {
	if loc == nil {
		loc = time.UTC
	}
	return &WalletService{store: store, loc: loc, now: time.Now}
}

func (s *WalletService) startOfDay() time.Time {
	t := s.now().In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}

func (s *WalletService) ClinicWallet(ctx context.Context, clinicID string, page, limit int) (models.ClinicWallet, error) {
	clinic, err := s.store.ClinicByID(ctx, clinicID)
	if err != nil {
		return models.ClinicWallet{}, err
	}
	held, err := money.Signed(clinic.HeldBalance, clinic.Currency)
	if err != nil {
		return models.ClinicWallet{}, err
	}
	wallet, err := money.Signed(clinic.WalletBalance, clinic.Currency)
	if err != nil {
		return models.ClinicWallet{}, err
	}

	total, err := s.store.CountVisibleClinicTransactions(ctx, clinicID)
	if err != nil {
		return models.ClinicWallet{}, fmt.Errorf("count clinic transactions: %w", err)
	}
	p := models.NewPagination(page, limit, total)
	txs, err := s.store.ListVisibleClinicTransactions(ctx, clinicID, p.Limit, p.Offset())
	if err != nil {
		return models.ClinicWallet{}, fmt.Errorf("list clinic transactions: %w", err)
	}
	if txs == nil {
		txs = []models.ClinicTransaction{}
	}

	allTime, err := s.store.SumVisibleReleases(ctx, clinicID, time.Time{})
	if err != nil {
		return models.ClinicWallet{}, fmt.Errorf("total earnings: %w", err)
	}
	today, err := s.store.SumVisibleReleases(ctx, clinicID, s.startOfDay())
	if err != nil {
		return models.ClinicWallet{}, fmt.Errorf("today earnings: %w", err)
	}

	return models.ClinicWallet{
		ClinicID:      clinicID,
		HeldBalance:   held,
		WalletBalance: wallet,
		TotalEarnings: money.MustNew(allTime, clinic.Currency),
		TodayEarnings: money.MustNew(today, clinic.Currency),
		Transactions:  txs,
		Pagination:    p,
	}, nil
}

func (s *WalletService) UserWallet(ctx context.Context, userID string, page, limit int) (models.UserWallet, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return models.UserWallet{}, err
	}
	held, err := money.Signed(user.HeldBalance, user.Currency)
	if err != nil {
		return models.UserWallet{}, err
	}
	wallet, err := money.Signed(user.WalletBalance, user.Currency)
	if err != nil {
		return models.UserWallet{}, err
	}

	total, err := s.store.CountVisibleUserTransactions(ctx, userID)
	if err != nil {
		return models.UserWallet{}, fmt.Errorf("count user transactions: %w", err)
	}
	p := models.NewPagination(page, limit, total)
	txs, err := s.store.ListVisibleUserTransactions(ctx, userID, p.Limit, p.Offset())
	if err != nil {
		return models.UserWallet{}, fmt.Errorf("list user transactions: %w", err)
	}
	if txs == nil {
		txs = []models.UserTransaction{}
	}
	return models.UserWallet{
		UserID:        userID,
		HeldBalance:   held,
		WalletBalance: wallet,
		Transactions:  txs,
		Pagination:    p,
	}, nil
}
