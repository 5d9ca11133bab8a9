package services

import "errors"

// Chat error taxonomy. Handlers and the gateway map these onto HTTP
// statuses / wire error events; nothing below this layer knows about
// transports.
var (
	// ErrUnresolvedIdentity means the connection carries no usable
	// principal. The connection itself may keep existing; chat
	// operations fail closed.
	ErrUnresolvedIdentity = errors.New("unresolved identity")

	// ErrValidation covers empty or oversized message content and
	// malformed offer payloads. Never reaches persistence.
	ErrValidation = errors.New("validation failed")

	// ErrChatNotFound is returned both for chats that do not exist and
	// for chats owned by someone else, so existence never leaks.
	ErrChatNotFound = errors.New("chat not found")

	// ErrOfferNotFound mirrors ErrChatNotFound for product offers.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrPersistence wraps transient storage failures. The sender may
	// retry; no fan-out has happened.
	ErrPersistence = errors.New("persistence failure")

	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidOTP         = errors.New("invalid or expired code")
)
