package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps every rejection caused by the request itself.
	ErrValidation        = errors.New("validation failed")
	ErrEmptyPayload      = errors.New("message text is empty")
	ErrPayloadTooLong    = errors.New("message text is too long")
	ErrInvalidSharedPost = errors.New("shared post reference has no id")
	ErrInvalidPeer       = errors.New("invalid peer id")
	ErrSelfMessage       = errors.New("cannot message yourself")
	ErrUnknownPeer       = errors.New("unknown peer")

	// ErrPersistence is returned when the message could not be stored; nothing was broadcast.
	ErrPersistence = errors.New("message could not be stored")

	ErrUnknownTransport = errors.New("transport not registered")
	ErrTransportOwned   = errors.New("transport registered to another user")
)

func validationError(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

func validatePeer(userID, peerID int) error {
	if peerID <= 0 {
		return validationError(ErrInvalidPeer)
	}
	if peerID == userID {
		return validationError(ErrSelfMessage)
	}
	return nil
}
