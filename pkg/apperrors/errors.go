package apperrors

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrAlreadyRunning        = errors.New("sync already running for data source")
	ErrProviderNotConfigured = errors.New("provider has no client credentials configured")
	ErrAlreadyConnected      = errors.New("provider is already connected for this organization")
	ErrInvalidState          = errors.New("oauth state is unknown or already used")
	ErrExpiredState          = errors.New("oauth state has expired")
	ErrProviderMismatch      = errors.New("oauth state belongs to a different provider")
	ErrIntegrationInactive   = errors.New("integration is not active")
	ErrTokenKeyMismatch      = errors.New("tokens were encrypted with a different key")
)
