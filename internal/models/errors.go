package models

import (
	"errors"
)

var (
	ErrInvalidSignature  = errors.New("models: invalid webhook signature")
	ErrNotFound          = errors.New("models: not found")
	ErrAlreadyRefunded   = errors.New("models: already refunded")
	ErrAlreadyReleased   = errors.New("models: already released")
	ErrInvalidAmount     = errors.New("models: invalid amount")
	ErrInsufficientFunds = errors.New("models: insufficient funds")
	ErrNotCaptured       = errors.New("models: payment not captured")
	ErrDuplicateEntry    = errors.New("models: duplicate entry")
	ErrInvalidTransition = errors.New("models: invalid status transition")
	ErrInvalidRequest    = errors.New("models: invalid request")
)
