package wire

import "errors"

var (
	// ErrUnknownMessageType means the outer envelope's "type" field
	// wasn't one of request/response/notification.
	ErrUnknownMessageType = errors.New("wire: unknown message type")

	// ErrUnknownRequestKind means a request's "type" field wasn't in
	// the closed RequestKind enumeration.
	ErrUnknownRequestKind = errors.New("wire: unknown request kind")

	// ErrFrameTooLarge means a frame's header+payload size exceeds the
	// configured maximum.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum message size")
)
