package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"clinicBack/internal/models"
)

func TestClinicWalletPaginatesVisibleEntries(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	for i, intent := range []string{"pi_a", "pi_b", "pi_c"} {
		id := "appt_" + intent
		h.store.addAppointment(pendingAppointment(id, intent, int64(1000*(i+1))))
		h.pay(t, "evt_"+intent, intent, int64(1000*(i+1)))
	}
	if _, err := h.admin.ReleaseHeldPayment(ctx, models.ReleaseRequest{ClinicID: "c1"}); err != nil {
		t.Fatalf("ReleaseHeldPayment: %v", err)
	}

	ws := NewWalletService(h.store, time.UTC)
	w, err := ws.ClinicWallet(ctx, "c1", 0, 2)
	if err != nil {
		t.Fatalf("ClinicWallet: %v", err)
	}
	// holds are not visible; the three release entries are
	if w.Pagination.TotalCount != 3 || w.Pagination.TotalPages != 2 || w.Pagination.CurrentPage != 1 || w.Pagination.Limit != 2 {
		t.Fatalf("unexpected pagination %+v", w.Pagination)
	}
	if len(w.Transactions) != 2 {
		t.Fatalf("expected 2 entries on the first page, got %d", len(w.Transactions))
	}
	if w.WalletBalance.Minor() != 6000 || w.HeldBalance.Minor() != 0 {
		t.Fatalf("unexpected balances %v %v", w.WalletBalance, w.HeldBalance)
	}
	if w.TotalEarnings.Minor() != 6000 || w.TodayEarnings.Minor() != 6000 {
		t.Fatalf("unexpected earnings %v %v", w.TotalEarnings, w.TodayEarnings)
	}

	w, err = ws.ClinicWallet(ctx, "c1", 2, 500)
	if err != nil {
		t.Fatalf("ClinicWallet: %v", err)
	}
	if w.Pagination.Limit != 100 || len(w.Transactions) != 0 {
		t.Fatalf("unexpected page %+v", w.Pagination)
	}
}

func TestClinicWalletTodayEarningsUseLocation(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	if _, err := h.admin.ReleaseHeldPayment(ctx, models.ReleaseRequest{ClinicID: "c1"}); err != nil {
		t.Fatalf("ReleaseHeldPayment: %v", err)
	}

	ws := NewWalletService(h.store, time.UTC)
	ws.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	w, err := ws.ClinicWallet(ctx, "c1", 1, 20)
	if err != nil {
		t.Fatalf("ClinicWallet: %v", err)
	}
	if w.TotalEarnings.Minor() != 5000 || w.TodayEarnings.Minor() != 0 {
		t.Fatalf("unexpected earnings %v %v", w.TotalEarnings, w.TodayEarnings)
	}
}

func TestWalletNotFound(t *testing.T) {
	h := newHarness(t, false)
	ws := NewWalletService(h.store, nil)
	if _, err := ws.ClinicWallet(context.Background(), "nope", 1, 20); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := ws.UserWallet(context.Background(), "nope", 1, 20); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserWallet(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	if _, err := h.admin.RefundUser(ctx, "a1"); err != nil {
		t.Fatalf("RefundUser: %v", err)
	}

	w, err := NewWalletService(h.store, nil).UserWallet(ctx, "u1", 1, 0)
	if err != nil {
		t.Fatalf("UserWallet: %v", err)
	}
	if w.Pagination.Limit != 20 || w.Pagination.TotalCount != 2 {
		t.Fatalf("unexpected pagination %+v", w.Pagination)
	}
	if w.Transactions[0].Kind != models.UserTxRefund || w.Transactions[1].Kind != models.UserTxPlatformCharge {
		t.Fatalf("expected newest first, got %+v", w.Transactions)
	}
	if w.WalletBalance.Currency() != "USD" {
		t.Fatalf("unexpected currency %v", w.WalletBalance)
	}
}

func TestClinicStatement(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.pay(t, "evt_1", "pi_1", 5000)
	amount := int64(1999)
	if _, err := h.admin.ReleaseHeldPayment(ctx, models.ReleaseRequest{ClinicID: "c1", Amount: &amount}); err != nil {
		t.Fatalf("ReleaseHeldPayment: %v", err)
	}

	var buf bytes.Buffer
	exp := NewStatementExporter(h.store, time.UTC)
	from := time.Now().Add(-time.Hour)
	to := time.Now().Add(time.Hour)
	n, err := exp.ClinicStatement(ctx, "c1", from, to, &buf)
	if err != nil {
		t.Fatalf("ClinicStatement: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(statementSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if rows[0][0] != "Date" || rows[1][1] != models.ClinicTxRelease || rows[1][3] != "19.99" {
		t.Fatalf("unexpected rows %v", rows[:2])
	}
	if len(rows) != 6 {
		t.Fatalf("expected header, entry, gap and three summary rows, got %v", rows)
	}
	if rows[3][0] != "Clinic" || rows[3][1] != "Smile Dental" || rows[4][1] != "30.01" || rows[5][0] != "Wallet balance" || rows[5][1] != "19.99" {
		t.Fatalf("unexpected summary %v", rows[3:])
	}

	if _, err := exp.ClinicStatement(ctx, "c1", to, from, &buf); !errors.Is(err, models.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for inverted range, got %v", err)
	}
}
