package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
	"clinicBack/internal/repositories"
)

// SettlementStore runs a unit of settlement work atomically.
type SettlementStore interface {
	InTx(ctx context.Context, fn func(tx repositories.SettlementTx) error) error
}

// HeldStore enumerates clinics for held balance audits.
type HeldStore interface {
	ListClinicIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// HeldFundsService owns the held balance. Hold, Release and AbsorbRefund are
// the only writers of clinics.held_balance.
type HeldFundsService struct {
	ledger SettlementStore
	store  HeldStore
	logger *slog.Logger
	now    func() time.Time
}

func NewHeldFundsService(ledger SettlementStore, store HeldStore, logger *slog.Logger) *HeldFundsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeldFundsService{ledger: ledger, store: store, logger: logger, now: time.Now}
}

// Hold adds a captured amount to the clinic's held balance.
func (s *HeldFundsService) Hold(ctx context.Context, tx repositories.SettlementTx, clinicID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("hold %d: %w", amount, models.ErrInvalidAmount)
	}
	return tx.IncrementHeld(ctx, clinicID, amount)
}

// Release moves amount from held to wallet with a guarded decrement.
func (s *HeldFundsService) Release(ctx context.Context, tx repositories.SettlementTx, clinicID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("release %d: %w", amount, models.ErrInvalidAmount)
	}
	if err := tx.MoveHeldToWallet(ctx, clinicID, amount); err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			return fmt.Errorf("release %d exceeds held balance: %w", amount, models.ErrInvalidAmount)
		}
		return err
	}
	return nil
}

// AbsorbRefund takes the held part from held and the rest from the wallet.
func (s *HeldFundsService) AbsorbRefund(ctx context.Context, tx repositories.SettlementTx, clinicID string, held, wallet int64) error {
	if held < 0 || wallet < 0 || held+wallet <= 0 {
		return fmt.Errorf("refund split %d/%d: %w", held, wallet, models.ErrInvalidAmount)
	}
	return tx.AbsorbRefund(ctx, clinicID, held, wallet)
}

// ComputeHeldBalance recomputes the held balance from the ledger.
func (s *HeldFundsService) ComputeHeldBalance(ctx context.Context, clinicID string) (money.Money, error) {
	clinic, computed, err := s.snapshot(ctx, clinicID)
	if err != nil {
		return money.Money{}, err
	}
	return money.Signed(computed, clinic.Currency)
}

// snapshot reads the stored and ledger held balance under the clinic row
// lock, so a settlement committing in between cannot skew the pair.
func (s *HeldFundsService) snapshot(ctx context.Context, clinicID string) (models.Clinic, int64, error) {
	var (
		clinic   models.Clinic
		computed int64
	)
	err := s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		var err error
		if clinic, err = tx.ClinicForUpdate(ctx, clinicID); err != nil {
			return err
		}
		if computed, err = tx.ComputedHeld(ctx, clinicID); err != nil {
			return fmt.Errorf("compute held balance: %w", err)
		}
		return nil
	})
	return clinic, computed, err
}

// Audit compares the stored and computed held balance. A divergence is
// logged as corruption and never corrected here.
func (s *HeldFundsService) Audit(ctx context.Context, clinicID string) (models.HeldBalanceAudit, error) {
	clinic, computed, err := s.snapshot(ctx, clinicID)
	if err != nil {
		return models.HeldBalanceAudit{}, err
	}
	a := models.HeldBalanceAudit{
		ClinicID:  clinicID,
		Currency:  clinic.Currency,
		Stored:    clinic.HeldBalance,
		Computed:  computed,
		Diverged:  clinic.HeldBalance != computed,
		CheckedAt: s.now().UTC(),
	}
	if a.Diverged {
		s.logger.Error("held balance diverged from ledger",
			"op", "held_audit", "clinic", clinicID, "stored", a.Stored, "computed", a.Computed)
	}
	return a, nil
}

// AuditAll audits every clinic and returns the divergent reports.
func (s *HeldFundsService) AuditAll(ctx context.Context) ([]models.HeldBalanceAudit, error) {
	const page = 200
	var (
		after    string
		checked  int
		diverged []models.HeldBalanceAudit
	)
	for {
		ids, err := s.store.ListClinicIDs(ctx, after, page)
		if err != nil {
			return diverged, fmt.Errorf("list clinics: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return diverged, err
			}
			a, err := s.Audit(ctx, id)
			if err != nil {
				s.logger.Error("held audit failed", "clinic", id, "err", err)
				continue
			}
			checked++
			if a.Diverged {
				diverged = append(diverged, a)
			}
		}
		if len(ids) < page {
			break
		}
		after = ids[len(ids)-1]
	}
	s.logger.Info("held audit finished", "checked", checked, "diverged", len(diverged))
	return diverged, nil
}

// OpenHolds lists the clinic's holds that still have something held.
func (s *HeldFundsService) OpenHolds(ctx context.Context, clinicID string) ([]models.OpenHold, error) {
	var holds []models.OpenHold
	err := s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		if _, err := tx.ClinicForUpdate(ctx, clinicID); err != nil {
			return err
		}
		var err error
		holds, err = tx.OpenHolds(ctx, clinicID)
		return err
	})
	return holds, err
}
