package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"clinicBack/internal/fsm"
	"clinicBack/internal/models"
)

// SettlementTx is the set of reads and writes available inside one
// settlement transaction. Rows read with a ForUpdate method stay locked
// until the transaction ends.
type SettlementTx interface {
	AppointmentForUpdate(ctx context.Context, id string) (models.Appointment, error)
	AppointmentByIntentForUpdate(ctx context.Context, intentID string) (models.Appointment, error)
	CreateAppointment(ctx context.Context, a models.Appointment) error
	TransitionAppointment(ctx context.Context, id string, from, to fsm.State) error
	SetPaymentReferences(ctx context.Context, id, intentID, chargeID string, amount int64, currency string) error

	ClinicForUpdate(ctx context.Context, id string) (models.Clinic, error)
	ClinicByAccount(ctx context.Context, accountID string) (models.Clinic, error)
	SetProcessorAccount(ctx context.Context, clinicID, accountID string) error
	IncrementHeld(ctx context.Context, clinicID string, amount int64) error
	MoveHeldToWallet(ctx context.Context, clinicID string, amount int64) error
	AbsorbRefund(ctx context.Context, clinicID string, held, wallet int64) error
	DebitWallet(ctx context.Context, clinicID string, amount int64, guard bool) error

	UserByID(ctx context.Context, id string) (models.User, error)

	InsertClinicTransaction(ctx context.Context, t models.ClinicTransaction) error
	ClinicTransactionByKey(ctx context.Context, key string) (models.ClinicTransaction, error)
	ClinicTransactionForUpdate(ctx context.Context, id string) (models.ClinicTransaction, error)
	HoldUsage(ctx context.Context, holdID string) (released, refunded int64, err error)
	OpenHolds(ctx context.Context, clinicID string) ([]models.OpenHold, error)
	ComputedHeld(ctx context.Context, clinicID string) (int64, error)
	AttachTransfer(ctx context.Context, id, transferID string) error

	InsertUserTransaction(ctx context.Context, t models.UserTransaction) error
	UserTransactionByKey(ctx context.Context, userID, key string) (models.UserTransaction, error)
}

type settlementTx struct {
	*AppointmentRepository
	*ClinicRepository
	*UserRepository
	*ClinicTransactionRepository
	*UserTransactionRepository
}

// Ledger runs settlement operations in database transactions.
type Ledger struct {
	db      *DB
	timeout time.Duration
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db, timeout: 30 * time.Second}
}

// InTx runs fn in a read-committed transaction. Any error from fn, including
// models.ErrDuplicateEntry from a concurrent twin, rolls the whole unit back.
func (l *Ledger) InTx(ctx context.Context, fn func(tx SettlementTx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin settlement tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = fn(settlementTx{
		AppointmentRepository:       &AppointmentRepository{q: tx},
		ClinicRepository:            &ClinicRepository{q: tx},
		UserRepository:              &UserRepository{q: tx},
		ClinicTransactionRepository: &ClinicTransactionRepository{q: tx},
		UserTransactionRepository:   &UserTransactionRepository{q: tx},
	})
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement tx: %w", wrapWriteErr(err))
	}
	return nil
}
