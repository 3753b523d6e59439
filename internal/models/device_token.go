package models

import "time"

const (
	OwnerClinic = "clinic"
	OwnerUser   = "user"
)

type DeviceToken struct {
	OwnerType string    `json:"owner_type"`
	OwnerID   string    `json:"owner_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}
