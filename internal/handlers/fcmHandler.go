package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clinicBack/internal/models"
)

type DeviceTokens interface {
	SaveToken(ctx context.Context, t models.DeviceToken) error
	DeleteTokens(ctx context.Context, ownerType, ownerID string, tokens []string) error
}

// FCMHandler registers the devices that receive payment notifications.
type FCMHandler struct {
	Tokens DeviceTokens
	Logger *slog.Logger
}

type tokenRequest struct {
	Token string `json:"token"`
}

func NewFCMHandler(tokens DeviceTokens, logger *slog.Logger) *FCMHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMHandler{Tokens: tokens, Logger: logger}
}

// owner resolves the push owner from the caller's token: clinic staff
// register for their clinic, everyone else for themselves.
func owner(r *http.Request) (string, string, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		return "", "", false
	}
	if claims.Role == models.RoleClinic && claims.ClinicID != "" {
		return models.OwnerClinic, claims.ClinicID, true
	}
	return models.OwnerUser, claims.UserID, true
}

func (h *FCMHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		badRequest(w, "token is required")
		return
	}
	ownerType, ownerID, ok := owner(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	err := h.Tokens.SaveToken(r.Context(), models.DeviceToken{
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Token:     strings.TrimSpace(req.Token),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, h.Logger, "save_device_token", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *FCMHandler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	token := getParam(r, "token")
	if token == "" {
		badRequest(w, "token is required")
		return
	}
	ownerType, ownerID, ok := owner(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.Tokens.DeleteTokens(r.Context(), ownerType, ownerID, []string{token}); err != nil {
		writeError(w, h.Logger, "delete_device_token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
