package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clinicBack/internal/fsm"
	"clinicBack/internal/models"
	"clinicBack/internal/money"
	"clinicBack/internal/repositories"
)

// AppointmentReader is the non-locking appointment lookup.
type AppointmentReader interface {
	AppointmentByID(ctx context.Context, id string) (models.Appointment, error)
}

type AdminPaymentConfig struct {
	Ledger       SettlementStore
	Appointments AppointmentReader
	Clinics      ClinicReader
	Held         *HeldFundsService
	Processor    PaymentProcessor
	Notifier     PushNotifier
	Feed         BalanceFeed
	Logger       *slog.Logger

	ProcessorTimeout      time.Duration
	AutoTransferOnRelease bool
	AutoPayoutOnWithdraw  bool

	// Where the processor's hosted onboarding sends the clinic back to.
	OnboardRefreshURL string
	OnboardReturnURL  string
}

// AdminPaymentService holds the operator-driven money movements: releasing
// held funds, refunding users and wallet withdrawals.
type AdminPaymentService struct {
	ledger       SettlementStore
	appointments AppointmentReader
	clinics      ClinicReader
	held         *HeldFundsService
	processor    PaymentProcessor
	notifier     PushNotifier
	feed         BalanceFeed
	logger       *slog.Logger
	now          func() time.Time

	processorTimeout      time.Duration
	autoTransferOnRelease bool
	autoPayoutOnWithdraw  bool
	onboardRefreshURL     string
	onboardReturnURL      string
}

func NewAdminPaymentService(cfg AdminPaymentConfig) (*AdminPaymentService, error) {
	if cfg.Ledger == nil || cfg.Appointments == nil || cfg.Clinics == nil || cfg.Held == nil || cfg.Processor == nil {
		return nil, errors.New("admin payments: ledger/appointments/clinics/held/processor are required")
	}
	s := &AdminPaymentService{
		ledger:                cfg.Ledger,
		appointments:          cfg.Appointments,
		clinics:               cfg.Clinics,
		held:                  cfg.Held,
		processor:             cfg.Processor,
		notifier:              cfg.Notifier,
		feed:                  cfg.Feed,
		logger:                cfg.Logger,
		now:                   time.Now,
		processorTimeout:      cfg.ProcessorTimeout,
		autoTransferOnRelease: cfg.AutoTransferOnRelease,
		autoPayoutOnWithdraw:  cfg.AutoPayoutOnWithdraw,
		onboardRefreshURL:     cfg.OnboardRefreshURL,
		onboardReturnURL:      cfg.OnboardReturnURL,
	}
	if s.notifier == nil {
		s.notifier = NoopNotifier{}
	}
	if s.feed == nil {
		s.feed = noopFeed{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.processorTimeout <= 0 {
		s.processorTimeout = 15 * time.Second
	}
	return s, nil
}

// ------- RELEASE -------

// ReleaseHeldPayment moves held funds into the clinic wallet, either from one
// hold entry or FIFO across the clinic's open holds.
func (s *AdminPaymentService) ReleaseHeldPayment(ctx context.Context, req models.ReleaseRequest) (models.ReleaseResult, error) {
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	if (req.TransactionID == "") == (req.ClinicID == "") {
		return models.ReleaseResult{}, fmt.Errorf("release needs a transaction or a clinic: %w", models.ErrInvalidAmount)
	}
	if req.Amount != nil && *req.Amount <= 0 {
		return models.ReleaseResult{}, fmt.Errorf("release amount %d: %w", *req.Amount, models.ErrInvalidAmount)
	}
	log := s.logger.With("op", "release_held", "transaction", req.TransactionID, "clinic", req.ClinicID)

	var result models.ReleaseResult
	err := s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		var (
			entries []models.ClinicTransaction
			clinic  models.Clinic
			err     error
		)
		if req.TransactionID != "" {
			clinic, entries, err = s.releaseHold(ctx, tx, req.TransactionID, req.Amount)
		} else {
			clinic, entries, err = s.releaseClinic(ctx, tx, req.ClinicID, req.Amount)
		}
		if err != nil {
			return err
		}
		var total int64
		for _, e := range entries {
			total += e.Amount
		}
		clinic.HeldBalance -= total
		clinic.WalletBalance += total
		result = models.ReleaseResult{Clinic: clinic, Released: total, Transactions: entries}
		return nil
	})
	if errors.Is(err, models.ErrDuplicateEntry) {
		return models.ReleaseResult{}, fmt.Errorf("concurrent release: %w", models.ErrAlreadyReleased)
	}
	if err != nil {
		return models.ReleaseResult{}, err
	}
	released := money.MustNew(result.Released, result.Clinic.Currency)
	log.Info("held funds released", "clinic", result.Clinic.ID, "amount", released.String(), "entries", len(result.Transactions))

	if s.autoTransferOnRelease && result.Clinic.ProcessorAccountID != "" {
		ids := make([]string, len(result.Transactions))
		for i, e := range result.Transactions {
			ids[i] = e.ID
		}
		result.TransferID = s.transfer(ctx, result.Clinic, released, ids,
			"release-"+ids[0], map[string]string{"type": "release", "clinicId": result.Clinic.ID})
		if result.TransferID != "" {
			for i := range result.Transactions {
				result.Transactions[i].TransferID = result.TransferID
			}
		}
	}

	publishBalance(ctx, s.clinics, s.feed, s.logger, result.Clinic.ID, models.ClinicTxRelease, s.now())
	if err := s.notifier.NotifyClinic(ctx, result.Clinic.ID, Notification{
		Title: "Funds released",
		Body:  fmt.Sprintf("%s was moved to your wallet", released),
		Data:  map[string]string{"type": "release", "clinic_id": result.Clinic.ID},
	}); err != nil {
		log.Warn("clinic notification failed", "err", err)
	}
	return result, nil
}

func (s *AdminPaymentService) releaseHold(ctx context.Context, tx repositories.SettlementTx, holdID string, amount *int64) (models.Clinic, []models.ClinicTransaction, error) {
	hold, err := tx.ClinicTransactionForUpdate(ctx, holdID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	if hold.Kind != models.ClinicTxHold {
		return models.Clinic{}, nil, fmt.Errorf("transaction %s is a %s entry: %w", holdID, hold.Kind, models.ErrNotFound)
	}
	clinic, err := tx.ClinicForUpdate(ctx, hold.ClinicID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	released, refunded, err := tx.HoldUsage(ctx, hold.ID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	remaining := hold.Amount - released - refunded
	if remaining <= 0 {
		if refunded > 0 {
			return models.Clinic{}, nil, fmt.Errorf("hold %s: %w", holdID, models.ErrAlreadyRefunded)
		}
		return models.Clinic{}, nil, fmt.Errorf("hold %s: %w", holdID, models.ErrAlreadyReleased)
	}
	x := remaining
	if amount != nil {
		if *amount > remaining {
			return models.Clinic{}, nil, fmt.Errorf("release %d exceeds held %d: %w", *amount, remaining, models.ErrInvalidAmount)
		}
		x = *amount
	}
	entry, err := s.writeRelease(ctx, tx, clinic, hold, released, x)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	return clinic, []models.ClinicTransaction{entry}, nil
}

func (s *AdminPaymentService) releaseClinic(ctx context.Context, tx repositories.SettlementTx, clinicID string, amount *int64) (models.Clinic, []models.ClinicTransaction, error) {
	clinic, err := tx.ClinicForUpdate(ctx, clinicID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	holds, err := tx.OpenHolds(ctx, clinicID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	var open int64
	for _, h := range holds {
		open += h.Remaining
	}
	if open <= 0 || clinic.HeldBalance <= 0 {
		return models.Clinic{}, nil, fmt.Errorf("clinic %s has no held funds: %w", clinicID, models.ErrAlreadyReleased)
	}
	available := open
	if clinic.HeldBalance < available {
		available = clinic.HeldBalance
	}
	want := available
	if amount != nil {
		if *amount > available {
			return models.Clinic{}, nil, fmt.Errorf("release %d exceeds held %d: %w", *amount, available, models.ErrInvalidAmount)
		}
		want = *amount
	}

	var entries []models.ClinicTransaction
	for _, h := range holds {
		if want == 0 {
			break
		}
		x := h.Remaining
		if x > want {
			x = want
		}
		entry, err := s.writeRelease(ctx, tx, clinic, h.Hold, h.Released, x)
		if err != nil {
			return models.Clinic{}, nil, err
		}
		entries = append(entries, entry)
		want -= x
	}
	return clinic, entries, nil
}

// writeRelease is the single place a release entry is created.
func (s *AdminPaymentService) writeRelease(ctx context.Context, tx repositories.SettlementTx, clinic models.Clinic,
	hold models.ClinicTransaction, releasedBefore, amount int64) (models.ClinicTransaction, error) {

	m, err := money.New(amount, hold.Currency)
	if err != nil {
		return models.ClinicTransaction{}, err
	}
	entry := models.ClinicTransaction{
		ID:                newID(),
		ClinicID:          clinic.ID,
		Kind:              models.ClinicTxRelease,
		Amount:            amount,
		Currency:          hold.Currency,
		HeldAmount:        amount,
		AppointmentID:     hold.AppointmentID,
		PaymentIntentID:   hold.PaymentIntentID,
		ChargeID:          hold.ChargeID,
		HoldTransactionID: hold.ID,
		IdempotencyKey:    models.ReleaseKey(hold.ID, releasedBefore),
		Visible:           true,
		Description:       fmt.Sprintf("Released %s to wallet", m),
		CreatedAt:         s.now().UTC(),
	}
	if err := tx.InsertClinicTransaction(ctx, entry); err != nil {
		return models.ClinicTransaction{}, err
	}
	if err := s.held.Release(ctx, tx, clinic.ID, amount); err != nil {
		return models.ClinicTransaction{}, err
	}
	return entry, nil
}

// ------- REFUND -------

// RefundUser refunds the full captured payment of an appointment. The
// processor is called first; local state only changes once it succeeded.
func (s *AdminPaymentService) RefundUser(ctx context.Context, appointmentID string) (models.RefundResult, error) {
	log := s.logger.With("op", "refund_user", "appointment", appointmentID)

	appt, err := s.appointments.AppointmentByID(ctx, appointmentID)
	if err != nil {
		return models.RefundResult{}, err
	}
	if appt.IsRefunded() {
		return models.RefundResult{}, fmt.Errorf("appointment %s: %w", appointmentID, models.ErrAlreadyRefunded)
	}
	if appt.PaymentIntentID == "" || appt.PaymentStatus != models.PaymentPaid {
		return models.RefundResult{}, fmt.Errorf("appointment %s (%s): %w", appointmentID, appt.PaymentStatus, models.ErrNotCaptured)
	}

	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	refundID, err := s.processor.Refund(pctx, appt.PaymentIntentID, "refund-"+appt.PaymentIntentID)
	cancel()
	if err != nil {
		log.Error("processor refund failed", "intent", appt.PaymentIntentID, "err", err)
		return models.RefundResult{}, err
	}

	result := models.RefundResult{RefundID: refundID}
	err = s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		locked, err := tx.AppointmentForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}
		rec, err := recordRefund(ctx, tx, s.held, locked, locked.Amount, "", refundID, s.now().UTC())
		if err != nil {
			return err
		}
		result.Appointment = rec.appointment
		result.ClinicEntry = rec.clinicEntry
		result.UserEntry = rec.userEntry
		return nil
	})
	// The processor's refund event got there first and recorded everything.
	if errors.Is(err, models.ErrAlreadyRefunded) || errors.Is(err, models.ErrDuplicateEntry) {
		log.Info("refund already recorded", "refund", refundID)
		appt, aErr := s.appointments.AppointmentByID(ctx, appointmentID)
		if aErr != nil {
			return models.RefundResult{}, aErr
		}
		return models.RefundResult{Appointment: appt, RefundID: refundID, AlreadyRecorded: true}, nil
	}
	if err != nil {
		log.Error("refund recorded at processor but not locally", "refund", refundID, "err", err)
		return models.RefundResult{}, err
	}
	log.Info("user refunded", "refund", refundID, "amount", result.ClinicEntry.Amount,
		"from_held", result.ClinicEntry.HeldAmount, "from_wallet", result.ClinicEntry.WalletAmount)

	publishBalance(ctx, s.clinics, s.feed, s.logger, appt.ClinicID, models.ClinicTxCancelled, s.now())
	if err := s.notifier.NotifyUser(ctx, appt.UserID, Notification{
		Title: "Refund processed",
		Body:  result.UserEntry.Description,
		Data:  map[string]string{"type": "refund", "appointment_id": appt.ID},
	}); err != nil {
		log.Warn("user notification failed", "err", err)
	}
	return result, nil
}

// ------- WITHDRAW -------

// WithdrawFromWallet debits the clinic wallet. When auto payout is on, the
// amount is transferred to the clinic's connected account; a failed
// transfer keeps the debit and is left for manual reconciliation.
func (s *AdminPaymentService) WithdrawFromWallet(ctx context.Context, req models.WithdrawRequest) (models.WithdrawResult, error) {
	if req.Amount <= 0 {
		return models.WithdrawResult{}, fmt.Errorf("withdraw %d: %w", req.Amount, models.ErrInvalidAmount)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = newID()
	}
	log := s.logger.With("op", "withdraw", "clinic", req.ClinicID)

	var result models.WithdrawResult
	err := s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		clinic, err := tx.ClinicForUpdate(ctx, req.ClinicID)
		if err != nil {
			return err
		}
		amount, err := money.New(req.Amount, clinic.Currency)
		if err != nil {
			return err
		}
		if clinic.WalletBalance < req.Amount {
			return fmt.Errorf("withdraw %s from wallet of %d: %w", amount, clinic.WalletBalance, models.ErrInsufficientFunds)
		}
		desc := strings.TrimSpace(req.Description)
		if desc == "" {
			desc = fmt.Sprintf("Withdrawal of %s", amount)
		}
		debit := models.ClinicTransaction{
			ID:             newID(),
			ClinicID:       clinic.ID,
			Kind:           models.ClinicTxDebit,
			Amount:         req.Amount,
			Currency:       clinic.Currency,
			WalletAmount:   req.Amount,
			IdempotencyKey: models.WithdrawKey(clinic.ID, key),
			Visible:        true,
			Description:    desc,
			CreatedAt:      s.now().UTC(),
		}
		if err := tx.InsertClinicTransaction(ctx, debit); err != nil {
			return err
		}
		if err := tx.DebitWallet(ctx, clinic.ID, req.Amount, true); err != nil {
			return err
		}
		clinic.WalletBalance -= req.Amount
		result = models.WithdrawResult{Clinic: clinic, Transaction: debit}
		return nil
	})
	if errors.Is(err, models.ErrDuplicateEntry) {
		return models.WithdrawResult{}, fmt.Errorf("withdrawal %s already recorded: %w", key, models.ErrDuplicateEntry)
	}
	if err != nil {
		return models.WithdrawResult{}, err
	}
	log.Info("wallet debited", "amount", result.Transaction.Amount, "transaction", result.Transaction.ID)

	if s.autoPayoutOnWithdraw && result.Clinic.ProcessorAccountID != "" {
		amount := money.MustNew(result.Transaction.Amount, result.Transaction.Currency)
		result.Transaction.TransferID = s.transfer(ctx, result.Clinic, amount, []string{result.Transaction.ID},
			"withdraw-"+result.Clinic.ID+"-"+key, map[string]string{"type": "withdraw", "clinicId": result.Clinic.ID})
	}
	publishBalance(ctx, s.clinics, s.feed, s.logger, result.Clinic.ID, models.ClinicTxDebit, s.now())
	return result, nil
}

// transfer moves funds to the clinic's connected account and attaches the
// transfer id to every ledger entry it covers. Failures are logged, never
// returned.
func (s *AdminPaymentService) transfer(ctx context.Context, clinic models.Clinic, amount money.Money, entryIDs []string, idemKey string, md map[string]string) string {
	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	defer cancel()
	md["transactionId"] = strings.Join(entryIDs, ",")
	transferID, err := s.processor.CreateTransfer(pctx, TransferParams{
		Amount:         amount,
		Destination:    clinic.ProcessorAccountID,
		Metadata:       md,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		s.logger.Error("transfer failed, ledger entry kept for manual reconciliation",
			"op", "transfer", "clinic", clinic.ID, "transactions", md["transactionId"], "amount", amount.String(), "err", err)
		return ""
	}
	if err := s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		for _, id := range entryIDs {
			if err := tx.AttachTransfer(ctx, id, transferID); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		s.logger.Error("attach transfer failed", "transactions", md["transactionId"], "transfer", transferID, "err", err)
	}
	return transferID
}

// ------- ONBOARDING -------

// OnboardClinic connects a clinic to the processor with an express account
// and returns the hosted onboarding URL. A clinic that is already connected
// gets a fresh link for its existing account.
func (s *AdminPaymentService) OnboardClinic(ctx context.Context, req models.OnboardRequest) (models.OnboardResult, error) {
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.ClinicID == "" || req.Name == "" || req.Email == "" {
		return models.OnboardResult{}, fmt.Errorf("onboarding needs clinic, name and email: %w", models.ErrInvalidRequest)
	}
	if s.onboardRefreshURL == "" || s.onboardReturnURL == "" {
		return models.OnboardResult{}, errors.New("admin payments: onboarding urls are not configured")
	}
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if country == "" {
		country = "US"
	}
	log := s.logger.With("op", "onboard_clinic", "clinic", req.ClinicID)

	clinic, err := s.clinics.ClinicByID(ctx, req.ClinicID)
	if err != nil {
		return models.OnboardResult{}, err
	}
	result := models.OnboardResult{Clinic: clinic, AccountID: clinic.ProcessorAccountID}

	if result.AccountID == "" {
		pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
		accountID, err := s.processor.CreateConnectedAccount(pctx, AccountParams{
			Country:        country,
			Email:          req.Email,
			BusinessName:   req.Name,
			Metadata:       map[string]string{"clinicId": clinic.ID},
			IdempotencyKey: "onboard-" + clinic.ID,
		})
		cancel()
		if err != nil {
			return models.OnboardResult{}, err
		}
		err = s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
			locked, err := tx.ClinicForUpdate(ctx, clinic.ID)
			if err != nil {
				return err
			}
			if locked.ProcessorAccountID == "" {
				if err := tx.SetProcessorAccount(ctx, locked.ID, accountID); err != nil {
					return err
				}
				locked.ProcessorAccountID = accountID
			}
			result.Clinic = locked
			return nil
		})
		if err != nil {
			log.Error("connected account created but not stored", "account", accountID, "err", err)
			return models.OnboardResult{}, err
		}
		result.AccountID = result.Clinic.ProcessorAccountID
		result.Created = result.AccountID == accountID
		if !result.Created {
			log.Warn("clinic was connected meanwhile, new account left unused", "account", accountID, "kept", result.AccountID)
		} else {
			log.Info("clinic connected", "account", accountID, "country", country)
		}
	}

	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	link, err := s.processor.CreateAccountLink(pctx, AccountLinkParams{
		AccountID:  result.AccountID,
		RefreshURL: s.onboardRefreshURL,
		ReturnURL:  s.onboardReturnURL,
	})
	cancel()
	if err != nil {
		return models.OnboardResult{}, err
	}
	result.URL = link
	return result, nil
}

// ------- PROCESSOR -------

// ProcessorBalance reads the clinic's balance at the processor.
func (s *AdminPaymentService) ProcessorBalance(ctx context.Context, clinicID string) (models.ProcessorBalance, error) {
	clinic, err := s.clinics.ClinicByID(ctx, clinicID)
	if err != nil {
		return models.ProcessorBalance{}, err
	}
	if clinic.ProcessorAccountID == "" {
		return models.ProcessorBalance{}, fmt.Errorf("clinic %s has no processor account: %w", clinicID, models.ErrNotFound)
	}
	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	defer cancel()
	b, err := s.processor.RetrieveBalance(pctx, clinic.ProcessorAccountID)
	if err != nil {
		return models.ProcessorBalance{}, err
	}
	b.ClinicID = clinicID
	return b, nil
}

// CreatePaymentIntent starts checkout for a booking. The booking fields
// travel as intent metadata so the success event can create the
// appointment when none exists yet.
func (s *AdminPaymentService) CreatePaymentIntent(ctx context.Context, req models.CheckoutRequest) (models.CheckoutResult, error) {
	if req.Amount <= 0 {
		return models.CheckoutResult{}, fmt.Errorf("checkout amount %d: %w", req.Amount, models.ErrInvalidAmount)
	}
	if req.UserID == "" || req.ClinicID == "" {
		return models.CheckoutResult{}, fmt.Errorf("checkout needs user and clinic: %w", models.ErrInvalidAmount)
	}
	clinic, err := s.clinics.ClinicByID(ctx, req.ClinicID)
	if err != nil {
		return models.CheckoutResult{}, err
	}
	if req.Currency == "" {
		req.Currency = clinic.Currency
	}
	amount, err := money.New(req.Amount, req.Currency)
	if err != nil {
		return models.CheckoutResult{}, err
	}
	if !strings.EqualFold(amount.Currency().String(), clinic.Currency) {
		return models.CheckoutResult{}, fmt.Errorf("clinic settles in %s: %w", clinic.Currency, money.ErrInvalidCurrency)
	}

	var appt models.Appointment
	if req.AppointmentID != "" {
		appt, err = s.appointments.AppointmentByID(ctx, req.AppointmentID)
		if err != nil {
			return models.CheckoutResult{}, err
		}
		if appt.UserID != req.UserID || appt.ClinicID != req.ClinicID {
			return models.CheckoutResult{}, fmt.Errorf("appointment %s: %w", req.AppointmentID, models.ErrNotFound)
		}
		if appt.PaymentStatus == models.PaymentPaid || appt.IsRefunded() {
			return models.CheckoutResult{}, fmt.Errorf("appointment %s is %s: %w", appt.ID, appt.PaymentStatus, models.ErrInvalidTransition)
		}
	}

	md := map[string]string{
		models.MetaUserID:      req.UserID,
		models.MetaClinicID:    req.ClinicID,
		models.MetaTreatmentID: req.TreatmentID,
		models.MetaDate:        req.Date,
		models.MetaTime:        req.Time,
	}
	if req.TreatmentName != "" {
		md[models.MetaTreatmentName] = req.TreatmentName
	}
	if req.AppointmentID != "" {
		md[models.MetaAppointmentID] = req.AppointmentID
	}

	pctx, cancel := context.WithTimeout(ctx, s.processorTimeout)
	intent, err := s.processor.CreatePaymentIntent(pctx, IntentParams{
		Amount:      amount,
		Description: chargeDescription(amount, req.TreatmentName, clinic.Name),
		Metadata:    md,
	})
	cancel()
	if err != nil {
		return models.CheckoutResult{}, err
	}

	if req.AppointmentID != "" {
		err = s.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
			locked, err := tx.AppointmentForUpdate(ctx, req.AppointmentID)
			if err != nil {
				return err
			}
			// The success webhook may have landed since the read above.
			if locked.PaymentStatus == models.PaymentPaid || locked.IsRefunded() {
				return fmt.Errorf("appointment %s is %s: %w", locked.ID, locked.PaymentStatus, models.ErrInvalidTransition)
			}
			if err := tx.SetPaymentReferences(ctx, locked.ID, intent.ID, "", amount.Minor(), amount.Currency().String()); err != nil {
				return err
			}
			from := fsm.State{Status: locked.Status, PaymentStatus: locked.PaymentStatus}
			to := fsm.State{Status: locked.Status, PaymentStatus: models.PaymentProcessing}
			if from == to {
				return nil
			}
			return tx.TransitionAppointment(ctx, locked.ID, from, to)
		})
		if err != nil {
			s.logger.Error("store payment intent on appointment failed",
				"op", "checkout", "appointment", req.AppointmentID, "intent", intent.ID, "err", err)
			return models.CheckoutResult{}, err
		}
	}
	s.logger.Info("checkout started", "op", "checkout", "intent", intent.ID, "amount", amount.String())
	return models.CheckoutResult{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          amount.Minor(),
		Currency:        amount.Currency().String(),
	}, nil
}
