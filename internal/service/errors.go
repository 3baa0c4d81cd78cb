package service

import "errors"

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrStorage marks a datastore failure. The operation had no effect and may be retried.
	ErrStorage = errors.New("storage error")

	ErrImageNotFound      = errors.New("image not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ErrInvalidSignature is returned for webhook payloads that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrEventInProgress reports a webhook event another delivery is still applying.
var ErrEventInProgress = errors.New("webhook event in progress")
