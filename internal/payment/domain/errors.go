package domain

import "errors"

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrPaymentNotFound  = errors.New("payment_not_found")
	// ErrEventInFlight is returned while another worker processes an event
	// for the same processor payment; the processor redelivers later.
	ErrEventInFlight = errors.New("event_in_flight")
)
