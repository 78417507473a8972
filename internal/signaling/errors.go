package signaling

import "errors"

var (
	// ErrClosed is returned when operations are attempted on a closed relay
	ErrClosed       = errors.New("signaling: closed")
	ErrUnknownKind  = errors.New("signaling: unknown message type")
	ErrMissingRoom  = errors.New("signaling: missing roomId")
	ErrMalformed    = errors.New("signaling: malformed message")
	ErrNotJoined    = errors.New("signaling: room not joined")
	ErrLinkDown     = errors.New("signaling: relay link is down")
	ErrTokenExpired = errors.New("signaling: token has expired")
)
