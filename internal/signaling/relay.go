// Package signaling delivers room-scoped call control messages (join, leave,
// offer, answer, ICE candidate) between two participants over a relay.
// It does not interpret SDP or candidate payloads.
package signaling

import "context"

// Handler receives envelopes for a subscribed room. Handlers for one
// subscription are called sequentially, in arrival order.
type Handler func(ctx context.Context, env *Envelope)

// Subscription represents an active room subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// LinkState describes the health of the relay transport.
type LinkState int

const (
	// LinkDown: transport dropped, reconnecting within budget.
	LinkDown LinkState = iota + 1
	// LinkUp: transport (re)connected.
	LinkUp
	// LinkLost: reconnect budget exhausted; the relay is gone.
	LinkLost
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkUp:
		return "up"
	case LinkLost:
		return "lost"
	}
	return "unknown"
}

// LinkEvent is emitted whenever the transport changes state.
type LinkEvent struct {
	State LinkState
	Err   error
}

// Relay is the transport under a Channel. All implementations must be safe
// for concurrent use.
type Relay interface {
	// Publish sends env to every participant in env.RoomID.
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe registers a handler for envelopes in roomID.
	Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error)

	// Links reports transport state changes. Relays that cannot fail may
	// return a channel that never fires.
	Links() <-chan LinkEvent

	// Close shuts the relay down and releases resources.
	Close() error
}
