package services

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/messaging"

	"clinicBack/internal/models"
)

// Notification is a push message for one recipient.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushNotifier delivers notifications. Delivery is best effort; callers log
// errors and carry on.
type PushNotifier interface {
	NotifyClinic(ctx context.Context, clinicID string, n Notification) error
	NotifyUser(ctx context.Context, userID string, n Notification) error
}

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// DeviceTokenStore is the push-target lookup used by FCMNotifier.
type DeviceTokenStore interface {
	Tokens(ctx context.Context, ownerType, ownerID string) ([]string, error)
	DeleteTokens(ctx context.Context, ownerType, ownerID string, tokens []string) error
}

type ClinicReader interface {
	ClinicByID(ctx context.Context, id string) (models.Clinic, error)
}

// FCMNotifier sends push notifications through Firebase Cloud Messaging.
type FCMNotifier struct {
	client  messageSender
	tokens  DeviceTokenStore
	clinics ClinicReader
	logger  *slog.Logger
}

func NewFCMNotifier(client *messaging.Client, tokens DeviceTokenStore, clinics ClinicReader, logger *slog.Logger) *FCMNotifier {
	return newFCMNotifier(client, tokens, clinics, logger)
}

func newFCMNotifier(client messageSender, tokens DeviceTokenStore, clinics ClinicReader, logger *slog.Logger) *FCMNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &FCMNotifier{client: client, tokens: tokens, clinics: clinics, logger: logger}
}

// NotifyClinic is skipped when the clinic turned notifications off.
func (n *FCMNotifier) NotifyClinic(ctx context.Context, clinicID string, msg Notification) error {
	clinic, err := n.clinics.ClinicByID(ctx, clinicID)
	if err != nil {
		return fmt.Errorf("notify clinic: %w", err)
	}
	if !clinic.NotificationsEnabled {
		n.logger.Debug("clinic notifications disabled", "clinic", clinicID)
		return nil
	}
	return n.send(ctx, models.OwnerClinic, clinicID, msg)
}

func (n *FCMNotifier) NotifyUser(ctx context.Context, userID string, msg Notification) error {
	return n.send(ctx, models.OwnerUser, userID, msg)
}

func (n *FCMNotifier) send(ctx context.Context, ownerType, ownerID string, msg Notification) error {
	tokens, err := n.tokens.Tokens(ctx, ownerType, ownerID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	var (
		stale   []string
		lastErr error
		sent    int
	)
	for _, token := range tokens {
		_, err := n.client.Send(ctx, buildMessage(token, msg))
		switch {
		case err == nil:
			sent++
		case messaging.IsRegistrationTokenNotRegistered(err) || messaging.IsInvalidArgument(err):
			stale = append(stale, token)
		default:
			lastErr = err
			n.logger.Error("push send failed", "owner", ownerType, "id", ownerID, "err", err)
		}
	}
	if len(stale) > 0 {
		if err := n.tokens.DeleteTokens(ctx, ownerType, ownerID, stale); err != nil {
			n.logger.Error("prune device tokens failed", "owner", ownerType, "id", ownerID, "err", err)
		}
	}
	n.logger.Info("push sent", "owner", ownerType, "id", ownerID, "sent", sent, "pruned", len(stale))
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("push %s %s: %w", ownerType, ownerID, lastErr)
	}
	return nil
}

func buildMessage(token string, msg Notification) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: "high_priority_channel",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Title,
						Body:  msg.Body,
					},
					Sound: "default",
				},
			},
		},
	}
}

// NoopNotifier drops notifications. Used when push is not configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyClinic(context.Context, string, Notification) error { return nil }
func (NoopNotifier) NotifyUser(context.Context, string, Notification) error   { return nil }
