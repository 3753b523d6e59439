package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinicBack/internal/models"
)

type WalletReader interface {
	ClinicWallet(ctx context.Context, clinicID string, page, limit int) (models.ClinicWallet, error)
	UserWallet(ctx context.Context, userID string, page, limit int) (models.UserWallet, error)
}

type WalletPayments interface {
	WithdrawFromWallet(ctx context.Context, req models.WithdrawRequest) (models.WithdrawResult, error)
	CreatePaymentIntent(ctx context.Context, req models.CheckoutRequest) (models.CheckoutResult, error)
}

type StatementWriter interface {
	ClinicStatement(ctx context.Context, clinicID string, from, to time.Time, w io.Writer) (int, error)
}

type WalletHandler struct {
	Wallets    WalletReader
	Payments   WalletPayments
	Statements StatementWriter
	Location   *time.Location
	Logger     *slog.Logger
}

func NewWalletHandler(wr WalletReader, p WalletPayments, s StatementWriter, loc *time.Location, logger *slog.Logger) *WalletHandler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletHandler{Wallets: wr, Payments: p, Statements: s, Location: loc, Logger: logger}
}

// ClinicWallet: GET /clinic/:id/wallet?page=&limit=
func (h *WalletHandler) ClinicWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Wallets.ClinicWallet(r.Context(), getParam(r, "id"), queryInt(r, "page", 1), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, h.Logger, "clinic_wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// UserWallet: GET /user/:id/wallet?page=&limit=
func (h *WalletHandler) UserWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.Wallets.UserWallet(r.Context(), getParam(r, "id"), queryInt(r, "page", 1), queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, h.Logger, "user_wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Withdraw: POST /clinic/:id/wallet/withdraw
// The Idempotency-Key header takes precedence over the body field.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req models.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	req.ClinicID = getParam(r, "id")
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}
	res, err := h.Payments.WithdrawFromWallet(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Withdrawal successful",
		"wallet_balance": res.Clinic.WalletBalance,
		"transaction":    res.Transaction,
	})
}

// Statement: GET /clinic/:id/wallet/statement?from=2026-01-01&to=2026-02-01
// Without a range the current month is exported.
func (h *WalletHandler) Statement(w http.ResponseWriter, r *http.Request) {
	clinicID := getParam(r, "id")
	now := time.Now().In(h.Location)
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, h.Location)
	to := from.AddDate(0, 1, 0)
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.ParseInLocation(time.DateOnly, v, h.Location); err != nil {
			badRequest(w, "invalid from date")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.ParseInLocation(time.DateOnly, v, h.Location); err != nil {
			badRequest(w, "invalid to date")
			return
		}
	}
	if !from.Before(to) {
		badRequest(w, "from must be before to")
		return
	}

	name := fmt.Sprintf("statement_%s_%s_%s.xlsx", clinicID, from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	if _, err := h.Statements.ClinicStatement(r.Context(), clinicID, from, to, w); err != nil {
		w.Header().Del("Content-Disposition")
		writeError(w, h.Logger, "statement", err)
	}
}

// CreatePaymentIntent: POST /payments/intent
// Users always pay for themselves; admins may act for any user.
func (h *WalletHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if claims, ok := ClaimsFromContext(r.Context()); ok && claims.Role != models.RoleAdmin {
		req.UserID = claims.UserID
	}
	res, err := h.Payments.CreatePaymentIntent(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "payment_intent", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
