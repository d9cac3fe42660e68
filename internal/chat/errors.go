package chat

import "errors"

var (
	// ErrValidation marks a message that was rejected before persistence:
	// empty body, or a target that is neither a user nor a group.
	ErrValidation = errors.New("invalid message")

	// ErrStore marks a persistence failure. No broadcast happens after
	// ErrStore, so the send is safe to retry.
	ErrStore = errors.New("message store unavailable")
)
