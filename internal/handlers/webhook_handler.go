package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"clinicBack/internal/models"
	"clinicBack/internal/services"
)

// maxWebhookBody bounds the size of accepted webhook bodies.
const maxWebhookBody = 1 << 16

type EventSink interface {
	Enqueue(ev models.ProcessorEvent) bool
}

type WebhookHandler struct {
	Verifier services.WebhookVerifier
	Queue    EventSink
	Logger   *slog.Logger
}

func NewWebhookHandler(v services.WebhookVerifier, q EventSink, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{Verifier: v, Queue: q, Logger: logger}
}

// Stripe verifies the signature and acknowledges right away. Processing
// happens on the event queue.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil || h.Queue == nil {
		http.Error(w, "webhook not initialized", http.StatusInternalServerError)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "read body: "+err.Error())
		return
	}
	ev, err := h.Verifier.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.Logger.Warn("webhook rejected", "op", "webhook", "err", err)
		if errors.Is(err, models.ErrInvalidSignature) {
			badRequest(w, "Webhook Error: invalid signature")
			return
		}
		badRequest(w, "Webhook Error: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})

	if !h.Queue.Enqueue(ev) {
		h.Logger.Warn("webhook event deferred to replay", "event", ev.ID, "type", ev.Type)
	}
}
