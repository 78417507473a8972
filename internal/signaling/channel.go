package signaling

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/observer/teacall/internal/domain"
	"golang.org/x/time/rate"
)

// ChannelOptions tunes a Channel.
type ChannelOptions struct {
	// CandidateRate is the sustained ice-candidate send rate per second.
	// Zero disables limiting.
	CandidateRate float64
	// CandidateBurst is the limiter bucket size.
	CandidateBurst int
	Logger         *slog.Logger
	// Now is the clock used to stamp outbound envelopes.
	Now func() time.Time
}

// Channel is the local participant's signaling channel. It scopes a Relay to
// rooms this participant has joined and to messages addressed to it.
type Channel struct {
	relay   Relay
	self    domain.Participant
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	dropped atomic.Int64

	mu        sync.Mutex
	joined    map[string]bool
	links     map[uint64]func(LinkEvent)
	nextID    uint64
	closed    bool
	stopLinks chan struct{}
	linksDone chan struct{}
}

// NewChannel creates a channel for self over relay.
func NewChannel(relay Relay, self domain.Participant, opts ChannelOptions) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Channel{
		relay:     relay,
		self:      self,
		logger:    logger.With("component", "signaling", "participant_id", self.ID),
		now:       now,
		joined:    make(map[string]bool),
		links:     make(map[uint64]func(LinkEvent)),
		stopLinks: make(chan struct{}),
		linksDone: make(chan struct{}),
	}
	if opts.CandidateRate > 0 {
		burst := opts.CandidateBurst
		if burst <= 0 {
			burst = max(int(opts.CandidateRate), 1)
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.CandidateRate), burst)
	}

	go c.fanOutLinks()
	return c
}

// Self returns the local participant.
func (c *Channel) Self() domain.Participant {
	return c.self
}

// JoinRoom announces presence in roomID. Joining a room twice is a no-op.
func (c *Channel) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrMissingRoom
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.joined[roomID] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	env := NewJoin(roomID, c.self)
	c.stamp(env)
	if err := c.relay.Publish(ctx, env); err != nil {
		return err
	}

	c.mu.Lock()
	c.joined[roomID] = true
	c.mu.Unlock()

	c.logger.Info("joined room", "room_id", roomID)
	return nil
}

// LeaveRoom announces departure. Only the first call after a successful
// join publishes; later calls return nil.
func (c *Channel) LeaveRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if !c.joined[roomID] {
		c.mu.Unlock()
		return nil
	}
	delete(c.joined, roomID)
	c.mu.Unlock()

	env := NewLeave(roomID, c.self.ID)
	c.stamp(env)
	if err := c.relay.Publish(ctx, env); err != nil {
		c.logger.Warn("failed to publish leave", "room_id", roomID, "error", err)
		return err
	}

	c.logger.Info("left room", "room_id", roomID)
	return nil
}

// Joined reports whether roomID is currently joined.
func (c *Channel) Joined(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[roomID]
}

// Send publishes env without retrying. From and Timestamp are stamped in
// place when unset. Candidates over the rate limit are dropped silently.
func (c *Channel) Send(ctx context.Context, env *Envelope) error {
	if !c.Joined(env.RoomID) {
		return ErrNotJoined
	}
	c.stamp(env)

	if env.Type == KindICECandidate && c.limiter != nil && !c.limiter.Allow() {
		c.dropped.Add(1)
		c.logger.Debug("candidate rate limited", "room_id", env.RoomID)
		return nil
	}

	if err := c.relay.Publish(ctx, env); err != nil {
		c.logger.Warn("signal send failed", "room_id", env.RoomID, "type", env.Type, "error", err)
		return err
	}
	return nil
}

// Dropped returns how many candidates the limiter discarded.
func (c *Channel) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Channel) stamp(env *Envelope) {
	if env.From == "" {
		env.From = c.self.ID
	}
	if env.Timestamp == 0 {
		env.Timestamp = c.now().UnixMilli()
	}
}

// OnMessage delivers envelopes for roomID in arrival order. Own echoes and
// envelopes addressed to someone else are filtered out. The returned func
// cancels the registration.
func (c *Channel) OnMessage(ctx context.Context, roomID string, handler Handler) (func(), error) {
	sub, err := c.relay.Subscribe(ctx, roomID, func(ctx context.Context, env *Envelope) {
		if env.From == c.self.ID {
			return
		}
		if env.To != "" && env.To != c.self.ID {
			return
		}
		handler(ctx, env)
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Warn("unsubscribe failed", "room_id", roomID, "error", err)
			}
		})
	}, nil
}

// OnLink registers a transport state handler. The returned func cancels it.
func (c *Channel) OnLink(handler func(LinkEvent)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.links[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.links, id)
		c.mu.Unlock()
	}
}

func (c *Channel) fanOutLinks() {
	defer close(c.linksDone)
	events := c.relay.Links()
	for {
		select {
		case <-c.stopLinks:
			return
		case ev := <-events:
			c.logger.Info("relay link changed", "state", ev.State.String(), "error", ev.Err)
			c.mu.Lock()
			handlers := make([]func(LinkEvent), 0, len(c.links))
			for _, h := range c.links {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// Close stops link fan-out. The relay itself is owned by the caller.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopLinks)
	<-c.linksDone
	return nil
}
