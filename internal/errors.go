package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrForbidden     = errors.New("forbidden")
	ErrModelNotFound = errors.New("unknown model")
	ErrNoProviderKey = errors.New("no API key configured for provider")
)
