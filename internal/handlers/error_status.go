package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"clinicBack/internal/models"
	"clinicBack/internal/money"
	"clinicBack/internal/services"
)

// errorStatus maps settlement errors onto HTTP status codes.
func errorStatus(err error) int {
	var procErr *services.ProcessorError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &procErr):
		if procErr.StatusCode >= 400 && procErr.StatusCode < 500 {
			return procErr.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, models.ErrInvalidSignature),
		errors.Is(err, models.ErrInvalidRequest),
		errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrNotCaptured),
		errors.Is(err, money.ErrInvalidCurrency),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrInexactAmount):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyRefunded),
		errors.Is(err, models.ErrAlreadyReleased),
		errors.Is(err, models.ErrDuplicateEntry),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError hides internal errors behind a generic message and logs them.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "op", op, "err", err)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
