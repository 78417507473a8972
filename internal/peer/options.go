// Package peer runs one call attempt: it drives a peer connection through
// offer/answer and ICE, reacts to network loss, and releases every device
// and network resource when the call finishes.
package peer

import (
	"context"
	"errors"
	"time"

	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/retry"
	"github.com/observer/teacall/internal/signaling"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("peer: session already started")

// Options tune a Session.
type Options struct {
	// MediaTimeout bounds each device acquisition.
	MediaTimeout time.Duration
	// ConnectTimeout bounds the time from media acquired to Connected.
	ConnectTimeout time.Duration
	// SignalTimeout bounds one relay publish.
	SignalTimeout time.Duration
	// Retry is the reconnect budget.
	Retry       retry.Policy
	Constraints media.Constraints
	// MaxPendingCandidates caps remote candidates held before a remote
	// description exists; the oldest are dropped first.
	MaxPendingCandidates int
	Now                  func() time.Time
}

// DefaultOptions returns 15s media, 20s connect and the default retry budget.
func DefaultOptions() Options {
	return Options{
		MediaTimeout:         media.DefaultTimeout,
		ConnectTimeout:       20 * time.Second,
		SignalTimeout:        5 * time.Second,
		Retry:                retry.Default,
		Constraints:          media.DefaultConstraints,
		MaxPendingCandidates: 64,
		Now:                  time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MediaTimeout <= 0 {
		o.MediaTimeout = d.MediaTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.SignalTimeout <= 0 {
		o.SignalTimeout = d.SignalTimeout
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = d.Retry
	}
	if !o.Constraints.Audio && !o.Constraints.Video {
		o.Constraints = d.Constraints
	}
	if o.MaxPendingCandidates <= 0 {
		o.MaxPendingCandidates = d.MaxPendingCandidates
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Signaler is the signaling channel as a Session uses it.
// *signaling.Channel implements it.
type Signaler interface {
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
	Send(ctx context.Context, env *signaling.Envelope) error
	OnMessage(ctx context.Context, roomID string, handler signaling.Handler) (func(), error)
	OnLink(handler func(signaling.LinkEvent)) func()
}

var _ Signaler = (*signaling.Channel)(nil)
