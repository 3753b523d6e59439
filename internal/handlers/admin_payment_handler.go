package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
)

type AdminPayments interface {
	ReleaseHeldPayment(ctx context.Context, req models.ReleaseRequest) (models.ReleaseResult, error)
	RefundUser(ctx context.Context, appointmentID string) (models.RefundResult, error)
	ProcessorBalance(ctx context.Context, clinicID string) (models.ProcessorBalance, error)
	OnboardClinic(ctx context.Context, req models.OnboardRequest) (models.OnboardResult, error)
}

type EventReplayer interface {
	ReplayEvent(ctx context.Context, eventID string) (models.PaymentEvent, error)
}

type HeldAuditor interface {
	Audit(ctx context.Context, clinicID string) (models.HeldBalanceAudit, error)
}

type AdminPaymentHandler struct {
	Payments AdminPayments
	Events   EventReplayer
	Auditor  HeldAuditor
	Logger   *slog.Logger
}

func NewAdminPaymentHandler(p AdminPayments, e EventReplayer, a HeldAuditor, logger *slog.Logger) *AdminPaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminPaymentHandler{Payments: p, Events: e, Auditor: a, Logger: logger}
}

// releaseBody carries an optional amount, either in minor units or as a
// major-unit string ("19.99").
type releaseBody struct {
	Amount      *int64 `json:"amount"`
	AmountMajor string `json:"amount_major"`
}

func decodeRelease(r *http.Request, currencyOf func() (string, error)) (*int64, error) {
	var body releaseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if body.Amount != nil || strings.TrimSpace(body.AmountMajor) == "" {
		return body.Amount, nil
	}
	cur, err := currencyOf()
	if err != nil {
		return nil, err
	}
	m, err := money.ParseMajor(body.AmountMajor, cur)
	if err != nil {
		return nil, err
	}
	minor := m.Minor()
	return &minor, nil
}

// ReleaseTransaction releases one hold entry: POST /admin/payments/:transaction_id/release.
func (h *AdminPaymentHandler) ReleaseTransaction(w http.ResponseWriter, r *http.Request) {
	id := getParam(r, "transaction_id")
	if id == "" {
		badRequest(w, "missing transaction_id")
		return
	}
	amount, err := decodeRelease(r, func() (string, error) {
		return "", errors.New("amount_major is only accepted for clinic releases")
	})
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	h.release(w, r, models.ReleaseRequest{TransactionID: id, Amount: amount})
}

// ReleaseClinic releases FIFO across a clinic's holds: POST /admin/payments/clinic/:clinic_id/release.
func (h *AdminPaymentHandler) ReleaseClinic(w http.ResponseWriter, r *http.Request) {
	id := getParam(r, "clinic_id")
	if id == "" {
		badRequest(w, "missing clinic_id")
		return
	}
	amount, err := decodeRelease(r, func() (string, error) {
		a, err := h.Auditor.Audit(r.Context(), id)
		return a.Currency, err
	})
	if err != nil {
		writeError(w, h.Logger, "release_clinic", err)
		return
	}
	h.release(w, r, models.ReleaseRequest{ClinicID: id, Amount: amount})
}

func (h *AdminPaymentHandler) release(w http.ResponseWriter, r *http.Request, req models.ReleaseRequest) {
	res, err := h.Payments.ReleaseHeldPayment(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "release", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "Payment released successfully",
		"clinic":       res.Clinic,
		"released":     res.Released,
		"transactions": res.Transactions,
		"transfer_id":  res.TransferID,
	})
}

// Refund refunds an appointment's payment: POST /admin/payments/refund/:appointment_id.
func (h *AdminPaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id := getParam(r, "appointment_id")
	if id == "" {
		badRequest(w, "missing appointment_id")
		return
	}
	res, err := h.Payments.RefundUser(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "refund", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReplayEvent re-runs a stored processor event: POST /admin/payments/events/:event_id/replay.
func (h *AdminPaymentHandler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	id := getParam(r, "event_id")
	if id == "" {
		badRequest(w, "missing event_id")
		return
	}
	ev, err := h.Events.ReplayEvent(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "replay_event", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *AdminPaymentHandler) Audit(w http.ResponseWriter, r *http.Request) {
	a, err := h.Auditor.Audit(r.Context(), getParam(r, "clinic_id"))
	if err != nil {
		writeError(w, h.Logger, "held_audit", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *AdminPaymentHandler) ProcessorBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Payments.ProcessorBalance(r.Context(), getParam(r, "clinic_id"))
	if err != nil {
		writeError(w, h.Logger, "processor_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// OnboardClinic connects a clinic to the processor: POST /admin/clinics/:clinic_id/onboard.
func (h *AdminPaymentHandler) OnboardClinic(w http.ResponseWriter, r *http.Request) {
	var req models.OnboardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	req.ClinicID = getParam(r, "clinic_id")
	res, err := h.Payments.OnboardClinic(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, "onboard_clinic", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
