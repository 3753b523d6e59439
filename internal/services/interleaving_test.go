package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"clinicBack/internal/models"
	"clinicBack/internal/repositories"
)

// staleAppointments answers the first lookup of an id from a snapshot taken
// before another writer committed, then reads through.
type staleAppointments struct {
	mu    sync.Mutex
	live  AppointmentReader
	stale map[string]models.Appointment
}

func (r *staleAppointments) AppointmentByID(ctx context.Context, id string) (models.Appointment, error) {
	r.mu.Lock()
	a, ok := r.stale[id]
	delete(r.stale, id)
	r.mu.Unlock()
	if ok {
		return a, nil
	}
	return r.live.AppointmentByID(ctx, id)
}

// recordingLedger counts transactions and the reads made inside them.
type recordingLedger struct {
	*memStore
	txs   int
	reads []string
}

func (l *recordingLedger) InTx(ctx context.Context, fn func(tx repositories.SettlementTx) error) error {
	l.txs++
	return l.memStore.InTx(ctx, func(tx repositories.SettlementTx) error {
		return fn(recordingTx{SettlementTx: tx, l: l})
	})
}

type recordingTx struct {
	repositories.SettlementTx
	l *recordingLedger
}

func (t recordingTx) ClinicForUpdate(ctx context.Context, id string) (models.Clinic, error) {
	t.l.reads = append(t.l.reads, "ClinicForUpdate")
	return t.SettlementTx.ClinicForUpdate(ctx, id)
}

func (t recordingTx) ComputedHeld(ctx context.Context, clinicID string) (int64, error) {
	t.l.reads = append(t.l.reads, "ComputedHeld")
	return t.SettlementTx.ComputedHeld(ctx, clinicID)
}

func TestCreatePaymentIntentRejectsAppointmentPaidMeanwhile(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	before := h.store.appointment("a1")
	h.pay(t, "evt_1", "pi_1", 5000)
	h.admin.appointments = &staleAppointments{live: h.store, stale: map[string]models.Appointment{"a1": before}}

	_, err := h.admin.CreatePaymentIntent(ctx, models.CheckoutRequest{
		AppointmentID: "a1", UserID: "u1", ClinicID: "c1", Amount: 9900,
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	a := h.store.appointment("a1")
	if a.PaymentIntentID != "pi_1" || a.Amount != 5000 || a.PaymentStatus != models.PaymentPaid || a.ChargeID != "ch_pi_1" {
		t.Fatalf("paid appointment was rewritten: %+v", a)
	}
	assertBalances(t, h.store, 5000, 0)
}

func TestTwinPaymentDeliveryAppliesOnce(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	sent := len(h.notifier.sent)

	// evt_2 reads before evt_1's hold is visible and collides on insert.
	h.store.hideKey(models.HoldKey("pi_1"))
	if err := h.rec.HandleEvent(ctx, succeeded("evt_2", "pi_1", 5000, nil)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if e := h.store.event("evt_2"); e.Status != models.EventStatusProcessed {
		t.Fatalf("twin event not marked processed: %+v", e)
	}
	if n := len(h.store.clinicEntries(models.ClinicTxHold)); n != 1 {
		t.Fatalf("%d hold entries, want 1", n)
	}
	if n := len(h.store.userEntries(models.UserTxPlatformCharge)); n != 1 {
		t.Fatalf("%d platform charges, want 1", n)
	}
	if len(h.notifier.sent) != sent {
		t.Fatalf("twin delivery sent %d extra notifications", len(h.notifier.sent)-sent)
	}
	assertBalances(t, h.store, 5000, 0)
}

func TestConcurrentReleaseOfSameHold(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	holdID := h.holdID(t, "pi_1")

	first := int64(2000)
	if _, err := h.admin.ReleaseHeldPayment(ctx, models.ReleaseRequest{TransactionID: holdID, Amount: &first}); err != nil {
		t.Fatalf("ReleaseHeldPayment: %v", err)
	}
	// The second release read the hold usage before the first committed.
	h.store.setStaleUsage(func(id string, released, refunded int64) (int64, int64) {
		return released - first, refunded
	})
	second := int64(1000)
	_, err := h.admin.ReleaseHeldPayment(ctx, models.ReleaseRequest{TransactionID: holdID, Amount: &second})
	if !errors.Is(err, models.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	if n := len(h.store.clinicEntries(models.ClinicTxRelease)); n != 1 {
		t.Fatalf("%d release entries, want 1", n)
	}
	assertBalances(t, h.store, 3000, 2000)
}

func TestRefundRacedByRefundEvent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	before := h.store.appointment("a1")

	if err := h.rec.HandleEvent(ctx, refunded("evt_r", "pi_1", 5000)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	h.admin.appointments = &staleAppointments{live: h.store, stale: map[string]models.Appointment{"a1": before}}

	res, err := h.admin.RefundUser(ctx, "a1")
	if err != nil {
		t.Fatalf("RefundUser: %v", err)
	}
	if !res.AlreadyRecorded || res.RefundID != "re_pi_1" || !res.Appointment.IsRefunded() {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(h.store.clinicEntries(models.ClinicTxCancelled)); n != 1 {
		t.Fatalf("%d clinic refund entries, want 1", n)
	}
	if n := len(h.store.userEntries(models.UserTxRefund)); n != 1 {
		t.Fatalf("%d user refund entries, want 1", n)
	}
	assertBalances(t, h.store, 0, 0)
}

func TestAuditReadsBothBalancesInOneTx(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)

	l := &recordingLedger{memStore: h.store}
	held := NewHeldFundsService(l, h.store, discardLogger())
	a, err := held.Audit(ctx, "c1")
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if a.Diverged || a.Stored != 5000 || a.Computed != 5000 {
		t.Fatalf("unexpected audit %+v", a)
	}
	if want := []string{"ClinicForUpdate", "ComputedHeld"}; l.txs != 1 || !reflect.DeepEqual(l.reads, want) {
		t.Fatalf("audit ran %d txs with reads %v, want one tx with %v", l.txs, l.reads, want)
	}
}

func TestAuditDuringPaymentsNeverDiverges(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	const payments = 40
	for i := 0; i < payments; i++ {
		h.store.addAppointment(pendingAppointment(fmt.Sprintf("ap%d", i), fmt.Sprintf("pi_c%d", i), 100))
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < payments; i++ {
			if err := h.rec.HandleEvent(ctx, succeeded(fmt.Sprintf("evt_c%d", i), fmt.Sprintf("pi_c%d", i), 100, nil)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for finished := false; !finished; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}
			finished = true
		default:
		}
		a, err := h.held.Audit(ctx, "c1")
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		if a.Diverged {
			t.Fatalf("audit reported divergence mid-payment: %+v", a)
		}
	}
	assertBalances(t, h.store, payments*100, 0)
}
