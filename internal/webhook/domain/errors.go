package domain

import "errors"

var (
	ErrMissingSignatureHeaders = errors.New("missing_signature_headers")
	ErrInvalidSignature        = errors.New("invalid_signature")
	ErrUnknownSource           = errors.New("unknown_webhook_source")
	ErrInvalidPayload          = errors.New("invalid_payload")
	ErrInvalidEvent            = errors.New("invalid_event")
	ErrEventIgnored            = errors.New("event_ignored")
	ErrOwnerUnresolved         = errors.New("owner_unresolved")
	ErrDuplicateEvent          = errors.New("duplicate_event")
	ErrInvalidConfig           = errors.New("invalid_webhook_config")
)
