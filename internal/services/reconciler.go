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

// EventStore persists processor events for audit and replay.
type EventStore interface {
	SaveEvent(ctx context.Context, e models.PaymentEvent) (models.PaymentEvent, bool, error)
	EventByID(ctx context.Context, id string) (models.PaymentEvent, error)
	MarkEvent(ctx context.Context, id, status, lastError string) error
	ListFailedEvents(ctx context.Context, maxAttempts, limit int) ([]models.PaymentEvent, error)
}

type EventParser interface {
	ParseEvent(payload []byte) (models.ProcessorEvent, error)
}

// BalanceFeed receives clinic balances after every committed change.
type BalanceFeed interface {
	PublishClinicBalance(update models.BalanceUpdate)
}

type noopFeed struct{}

func (noopFeed) PublishClinicBalance(models.BalanceUpdate) {}

type ReconcilerConfig struct {
	Ledger   SettlementStore
	Events   EventStore
	Parser   EventParser
	Clinics  ClinicReader
	Held     *HeldFundsService
	Deduper  EventDeduper
	Notifier PushNotifier
	Feed     BalanceFeed
	Logger   *slog.Logger
}

// SettlementReconciler applies processor events to appointments and ledgers.
// Every effect is keyed so that redelivery converges on the same state.
type SettlementReconciler struct {
	ledger   SettlementStore
	events   EventStore
	parser   EventParser
	clinics  ClinicReader
	held     *HeldFundsService
	dedup    EventDeduper
	notifier PushNotifier
	feed     BalanceFeed
	logger   *slog.Logger
	now      func() time.Time
}

func NewSettlementReconciler(cfg ReconcilerConfig) (*SettlementReconciler, error) {
	if cfg.Ledger == nil || cfg.Events == nil || cfg.Parser == nil || cfg.Clinics == nil || cfg.Held == nil {
		return nil, errors.New("reconciler: ledger/events/parser/clinics/held are required")
	}
	r := &SettlementReconciler{
		ledger:   cfg.Ledger,
		events:   cfg.Events,
		parser:   cfg.Parser,
		clinics:  cfg.Clinics,
		held:     cfg.Held,
		dedup:    cfg.Deduper,
		notifier: cfg.Notifier,
		feed:     cfg.Feed,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	if r.dedup == nil {
		r.dedup = noopDeduper{}
	}
	if r.notifier == nil {
		r.notifier = NoopNotifier{}
	}
	if r.feed == nil {
		r.feed = noopFeed{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// HandleEvent records and applies one verified event. Failures are stored
// on the event row for replay and returned for logging only.
func (r *SettlementReconciler) HandleEvent(ctx context.Context, ev models.ProcessorEvent) error {
	log := r.logger.With("op", "handle_event", "event", ev.ID, "type", ev.Type)

	if seen, err := r.dedup.Seen(ctx, ev.ID); err != nil {
		log.Warn("dedup lookup failed", "err", err)
	} else if seen {
		log.Debug("event already processed")
		return nil
	}

	stored, fresh, err := r.events.SaveEvent(ctx, models.PaymentEvent{
		ID:      ev.ID,
		Type:    ev.Type,
		Account: ev.Account,
		Payload: ev.Payload,
		Status:  models.EventStatusReceived,
	})
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.ID, err)
	}
	if !fresh && isTerminal(stored.Status) {
		log.Info("duplicate delivery skipped", "status", stored.Status)
		r.markSeen(ctx, ev.ID)
		return nil
	}
	_, err = r.process(ctx, ev, log)
	return err
}

// RecordFailed stores an event that could not be processed at all. An event
// an earlier delivery already settled keeps its status.
func (r *SettlementReconciler) RecordFailed(ctx context.Context, ev models.ProcessorEvent, cause error) error {
	stored, fresh, err := r.events.SaveEvent(ctx, models.PaymentEvent{
		ID:      ev.ID,
		Type:    ev.Type,
		Account: ev.Account,
		Payload: ev.Payload,
		Status:  models.EventStatusFailed,
	})
	if err != nil {
		return err
	}
	if !fresh && isTerminal(stored.Status) {
		r.logger.Info("failed delivery of settled event ignored", "event", ev.ID, "status", stored.Status, "cause", cause)
		return nil
	}
	return r.events.MarkEvent(ctx, ev.ID, models.EventStatusFailed, cause.Error())
}

// ReplayEvent re-applies a stored event. Replaying a processed event is a no-op.
func (r *SettlementReconciler) ReplayEvent(ctx context.Context, eventID string) (models.PaymentEvent, error) {
	stored, err := r.events.EventByID(ctx, eventID)
	if err != nil {
		return models.PaymentEvent{}, err
	}
	ev, err := r.parser.ParseEvent(stored.Payload)
	if err != nil {
		_ = r.events.MarkEvent(ctx, eventID, models.EventStatusFailed, err.Error())
		return models.PaymentEvent{}, err
	}
	log := r.logger.With("op", "replay_event", "event", ev.ID, "type", ev.Type)
	if _, err := r.process(ctx, ev, log); err != nil {
		return models.PaymentEvent{}, err
	}
	return r.events.EventByID(ctx, eventID)
}

// ReplayFailed replays failed events below maxAttempts.
func (r *SettlementReconciler) ReplayFailed(ctx context.Context, maxAttempts, limit int) (replayed, failed int, err error) {
	events, err := r.events.ListFailedEvents(ctx, maxAttempts, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range events {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		if _, err := r.ReplayEvent(ctx, e.ID); err != nil {
			failed++
			continue
		}
		replayed++
	}
	return replayed, failed, nil
}

func (r *SettlementReconciler) process(ctx context.Context, ev models.ProcessorEvent, log *slog.Logger) (string, error) {
	var (
		after  followUps
		status string
		err    error
	)
	switch ev.Type {
	case models.EventPaymentSucceeded:
		status, err = r.onPaymentSucceeded(ctx, ev, &after)
	case models.EventPaymentFailed:
		status, err = r.onPaymentFailed(ctx, ev, &after)
	case models.EventChargeRefunded:
		status, err = r.onChargeRefunded(ctx, ev, &after)
	case models.EventPayoutPaid:
		status, err = r.onPayoutPaid(ctx, ev, &after)
	default:
		status = models.EventStatusIgnored
	}

	// A concurrent delivery committed first. Its own follow-ups announce
	// the effects; ours were rolled back with the transaction.
	if errors.Is(err, models.ErrDuplicateEntry) {
		log.Info("event effects already applied")
		status, err, after = models.EventStatusProcessed, nil, nil
	}
	if err != nil {
		log.Error("event failed", "err", err)
		if mErr := r.events.MarkEvent(ctx, ev.ID, models.EventStatusFailed, err.Error()); mErr != nil {
			log.Error("mark event failed", "err", mErr)
		}
		return models.EventStatusFailed, err
	}
	if mErr := r.events.MarkEvent(ctx, ev.ID, status, ""); mErr != nil {
		log.Error("mark event failed", "err", mErr)
	}
	r.markSeen(ctx, ev.ID)
	after.run(ctx)
	log.Info("event handled", "status", status)
	return status, nil
}

func isTerminal(status string) bool {
	return status == models.EventStatusProcessed || status == models.EventStatusIgnored
}

func (r *SettlementReconciler) markSeen(ctx context.Context, id string) {
	if err := r.dedup.MarkProcessed(ctx, id); err != nil {
		r.logger.Warn("dedup mark failed", "event", id, "err", err)
	}
}

// hasBookingMetadata reports whether an intent carries enough to create the
// appointment itself.
func hasBookingMetadata(md map[string]string) bool {
	for _, k := range []string{models.MetaUserID, models.MetaClinicID, models.MetaTreatmentID, models.MetaDate, models.MetaTime} {
		if strings.TrimSpace(md[k]) == "" {
			return false
		}
	}
	return true
}

func (r *SettlementReconciler) onPaymentSucceeded(ctx context.Context, ev models.ProcessorEvent, after *followUps) (string, error) {
	pi := ev.PaymentIntent
	if pi == nil || pi.ID == "" {
		return "", fmt.Errorf("event %s: payment intent payload missing", ev.ID)
	}
	amount, err := money.New(pi.Amount, pi.Currency)
	if err != nil {
		return "", fmt.Errorf("payment intent %s: %w", pi.ID, err)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("payment intent %s amount %s: %w", pi.ID, amount, models.ErrInvalidAmount)
	}

	status := models.EventStatusProcessed
	err = r.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		now := r.now().UTC()
		appt, err := tx.AppointmentByIntentForUpdate(ctx, pi.ID)
		if isNotFound(err) && pi.Metadata[models.MetaAppointmentID] != "" {
			appt, err = tx.AppointmentForUpdate(ctx, pi.Metadata[models.MetaAppointmentID])
		}
		created := false
		switch {
		case err == nil:
		case isNotFound(err) && hasBookingMetadata(pi.Metadata):
			appt = models.Appointment{
				ID:              newID(),
				UserID:          pi.Metadata[models.MetaUserID],
				ClinicID:        pi.Metadata[models.MetaClinicID],
				TreatmentID:     pi.Metadata[models.MetaTreatmentID],
				Date:            pi.Metadata[models.MetaDate],
				Time:            pi.Metadata[models.MetaTime],
				Status:          models.AppointmentConfirmed,
				PaymentStatus:   models.PaymentPaid,
				Amount:          amount.Minor(),
				Currency:        amount.Currency().String(),
				PaymentIntentID: pi.ID,
				ChargeID:        pi.LatestCharge,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := tx.CreateAppointment(ctx, appt); err != nil {
				return err
			}
			created = true
		case isNotFound(err):
			r.logger.Warn("payment for unknown appointment ignored", "event", ev.ID, "intent", pi.ID)
			status = models.EventStatusIgnored
			return nil
		default:
			return err
		}

		if appt.IsRefunded() {
			r.logger.Info("payment success for refunded appointment ignored", "appointment", appt.ID, "intent", pi.ID)
			status = models.EventStatusIgnored
			return nil
		}

		if !created {
			target := fsm.State{Status: appt.Status, PaymentStatus: models.PaymentPaid}
			if appt.Status == models.AppointmentPending || appt.Status == models.AppointmentFailed {
				target.Status = models.AppointmentConfirmed
			}
			current := fsm.State{Status: appt.Status, PaymentStatus: appt.PaymentStatus}
			if current != target {
				if err := tx.TransitionAppointment(ctx, appt.ID, current, target); err != nil {
					return err
				}
			}
			if err := tx.SetPaymentReferences(ctx, appt.ID, pi.ID, pi.LatestCharge, amount.Minor(), amount.Currency().String()); err != nil {
				return err
			}
		}

		clinic, err := tx.ClinicForUpdate(ctx, appt.ClinicID)
		if err != nil {
			return err
		}
		if !strings.EqualFold(clinic.Currency, amount.Currency().String()) {
			return fmt.Errorf("clinic %s settles in %s, payment in %s: %w",
				clinic.ID, clinic.Currency, amount.Currency(), money.ErrInvalidCurrency)
		}

		if _, err := tx.ClinicTransactionByKey(ctx, models.HoldKey(pi.ID)); isNotFound(err) {
			hold := models.ClinicTransaction{
				ID:              newID(),
				ClinicID:        clinic.ID,
				Kind:            models.ClinicTxHold,
				Amount:          amount.Minor(),
				Currency:        amount.Currency().String(),
				HeldAmount:      amount.Minor(),
				AppointmentID:   appt.ID,
				PaymentIntentID: pi.ID,
				ChargeID:        pi.LatestCharge,
				IdempotencyKey:  models.HoldKey(pi.ID),
				Visible:         false,
				Description:     fmt.Sprintf("Held %s for appointment on %s %s", amount, appt.Date, appt.Time),
				CreatedAt:       now,
			}
			if err := tx.InsertClinicTransaction(ctx, hold); err != nil {
				return err
			}
			if err := r.held.Hold(ctx, tx, clinic.ID, amount.Minor()); err != nil {
				return err
			}
			after.add(func(ctx context.Context) {
				r.publishBalance(ctx, clinic.ID, models.ClinicTxHold)
				r.notifyClinic(ctx, clinic.ID, Notification{
					Title: "New payment received",
					Body:  fmt.Sprintf("%s is held for the appointment on %s at %s", amount, appt.Date, appt.Time),
					Data:  map[string]string{"type": "payment_held", "appointment_id": appt.ID},
				})
			})
		} else if err != nil {
			return err
		}

		if _, err := tx.UserTransactionByKey(ctx, appt.UserID, models.PlatformChargeKey(pi.ID)); isNotFound(err) {
			charge := models.UserTransaction{
				ID:              newID(),
				UserID:          appt.UserID,
				Kind:            models.UserTxPlatformCharge,
				Amount:          amount.Minor(),
				Currency:        amount.Currency().String(),
				AppointmentID:   appt.ID,
				PaymentIntentID: pi.ID,
				ChargeID:        pi.LatestCharge,
				IdempotencyKey:  models.PlatformChargeKey(pi.ID),
				Visible:         true,
				Description:     chargeDescription(amount, pi.Metadata[models.MetaTreatmentName], clinic.Name),
				CreatedAt:       now,
			}
			if err := tx.InsertUserTransaction(ctx, charge); err != nil {
				return err
			}
			after.add(func(ctx context.Context) {
				r.notifyUser(ctx, appt.UserID, Notification{
					Title: "Payment confirmed",
					Body:  charge.Description,
					Data:  map[string]string{"type": "payment_confirmed", "appointment_id": appt.ID},
				})
			})
		} else if err != nil {
			return err
		}
		return nil
	})
	return status, err
}

func chargeDescription(amount money.Money, treatment, clinic string) string {
	d := "Charged " + amount.String()
	if treatment != "" {
		d += " for " + treatment
	}
	if clinic != "" {
		d += " at " + clinic
	}
	return d
}

func (r *SettlementReconciler) onPaymentFailed(ctx context.Context, ev models.ProcessorEvent, after *followUps) (string, error) {
	pi := ev.PaymentIntent
	if pi == nil || pi.ID == "" {
		return "", fmt.Errorf("event %s: payment intent payload missing", ev.ID)
	}
	status := models.EventStatusProcessed
	err := r.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		appt, err := tx.AppointmentByIntentForUpdate(ctx, pi.ID)
		if isNotFound(err) {
			status = models.EventStatusIgnored
			return nil
		}
		if err != nil {
			return err
		}
		if appt.PaymentStatus == models.PaymentPaid || appt.IsRefunded() {
			r.logger.Warn("late payment failure ignored", "appointment", appt.ID, "payment_status", appt.PaymentStatus)
			status = models.EventStatusIgnored
			return nil
		}
		target := fsm.State{Status: appt.Status, PaymentStatus: models.PaymentFailed}
		if fsm.CanTransition(appt.Status, models.AppointmentPending) {
			target.Status = models.AppointmentPending
		}
		current := fsm.State{Status: appt.Status, PaymentStatus: appt.PaymentStatus}
		if current != target {
			if err := tx.TransitionAppointment(ctx, appt.ID, current, target); err != nil {
				return err
			}
		}
		after.add(func(ctx context.Context) {
			body := "Your payment could not be completed. Please try again."
			if pi.FailureMsg != "" {
				body = pi.FailureMsg
			}
			r.notifyUser(ctx, appt.UserID, Notification{
				Title: "Payment failed",
				Body:  body,
				Data:  map[string]string{"type": "payment_failed", "appointment_id": appt.ID},
			})
		})
		return nil
	})
	return status, err
}

func (r *SettlementReconciler) onChargeRefunded(ctx context.Context, ev models.ProcessorEvent, after *followUps) (string, error) {
	ch := ev.Charge
	if ch == nil {
		return "", fmt.Errorf("event %s: charge payload missing", ev.ID)
	}
	if ch.PaymentIntentID == "" {
		r.logger.Warn("refunded charge without payment intent ignored", "event", ev.ID, "charge", ch.ID)
		return models.EventStatusIgnored, nil
	}
	status := models.EventStatusProcessed
	err := r.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		appt, err := tx.AppointmentByIntentForUpdate(ctx, ch.PaymentIntentID)
		if isNotFound(err) {
			r.logger.Warn("refund for unknown appointment ignored", "event", ev.ID, "intent", ch.PaymentIntentID)
			status = models.EventStatusIgnored
			return nil
		}
		if err != nil {
			return err
		}
		if appt.IsRefunded() {
			status = models.EventStatusIgnored
			return nil
		}
		rec, err := recordRefund(ctx, tx, r.held, appt, ch.AmountRefunded, ch.ID, "", r.now().UTC())
		if err != nil {
			return err
		}
		after.add(func(ctx context.Context) {
			r.publishBalance(ctx, appt.ClinicID, models.ClinicTxCancelled)
			r.notifyUser(ctx, appt.UserID, Notification{
				Title: "Refund processed",
				Body:  rec.userEntry.Description,
				Data:  map[string]string{"type": "refund", "appointment_id": appt.ID},
			})
			r.notifyClinic(ctx, appt.ClinicID, Notification{
				Title: "Appointment refunded",
				Body:  rec.clinicEntry.Description,
				Data:  map[string]string{"type": "refund", "appointment_id": appt.ID},
			})
		})
		return nil
	})
	return status, err
}

func (r *SettlementReconciler) onPayoutPaid(ctx context.Context, ev models.ProcessorEvent, after *followUps) (string, error) {
	po := ev.Payout
	if po == nil || po.ID == "" {
		return "", fmt.Errorf("event %s: payout payload missing", ev.ID)
	}
	account := ev.Account
	if account == "" {
		account = po.Destination
	}
	amount, err := money.New(po.Amount, po.Currency)
	if err != nil {
		return "", fmt.Errorf("payout %s: %w", po.ID, err)
	}

	status := models.EventStatusProcessed
	err = r.ledger.InTx(ctx, func(tx repositories.SettlementTx) error {
		clinic, err := tx.ClinicByAccount(ctx, account)
		if isNotFound(err) {
			r.logger.Warn("payout for unknown account ignored", "event", ev.ID, "account", account)
			status = models.EventStatusIgnored
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ClinicTransactionByKey(ctx, models.PayoutKey(po.ID)); err == nil {
			status = models.EventStatusIgnored
			return nil
		} else if !isNotFound(err) {
			return err
		}
		if _, err := tx.ClinicForUpdate(ctx, clinic.ID); err != nil {
			return err
		}
		debit := models.ClinicTransaction{
			ID:             newID(),
			ClinicID:       clinic.ID,
			Kind:           models.ClinicTxDebit,
			Amount:         amount.Minor(),
			Currency:       amount.Currency().String(),
			WalletAmount:   amount.Minor(),
			PayoutID:       po.ID,
			IdempotencyKey: models.PayoutKey(po.ID),
			Visible:        true,
			Description:    fmt.Sprintf("Payout of %s", amount),
			CreatedAt:      r.now().UTC(),
		}
		if err := tx.InsertClinicTransaction(ctx, debit); err != nil {
			return err
		}
		if err := tx.DebitWallet(ctx, clinic.ID, amount.Minor(), false); err != nil {
			return err
		}
		after.add(func(ctx context.Context) {
			r.publishBalance(ctx, clinic.ID, models.ClinicTxDebit)
			r.notifyClinic(ctx, clinic.ID, Notification{
				Title: "Payout sent",
				Body:  debit.Description + " is on its way to your bank account",
				Data:  map[string]string{"type": "payout", "payout_id": po.ID},
			})
		})
		return nil
	})
	return status, err
}

func (r *SettlementReconciler) notifyClinic(ctx context.Context, clinicID string, n Notification) {
	if err := r.notifier.NotifyClinic(ctx, clinicID, n); err != nil {
		r.logger.Warn("clinic notification failed", "clinic", clinicID, "err", err)
	}
}

func (r *SettlementReconciler) notifyUser(ctx context.Context, userID string, n Notification) {
	if err := r.notifier.NotifyUser(ctx, userID, n); err != nil {
		r.logger.Warn("user notification failed", "user", userID, "err", err)
	}
}

func (r *SettlementReconciler) publishBalance(ctx context.Context, clinicID, reason string) {
	publishBalance(ctx, r.clinics, r.feed, r.logger, clinicID, reason, r.now())
}

func publishBalance(ctx context.Context, clinics ClinicReader, feed BalanceFeed, logger *slog.Logger, clinicID, reason string, at time.Time) {
	c, err := clinics.ClinicByID(ctx, clinicID)
	if err != nil {
		logger.Warn("balance feed lookup failed", "clinic", clinicID, "err", err)
		return
	}
	feed.PublishClinicBalance(models.BalanceUpdate{
		ClinicID:      c.ID,
		HeldBalance:   c.HeldBalance,
		WalletBalance: c.WalletBalance,
		Currency:      c.Currency,
		Reason:        reason,
		At:            at.UTC(),
	})
}
