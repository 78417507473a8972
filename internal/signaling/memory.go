package signaling

import (
	"context"
	"log/slog"
	"sync"
)

// memorySubscription is a subscription to one room on a MemoryHub. Envelopes
// are queued and handed to the handler by a single goroutine, so delivery
// order matches publish order.
type memorySubscription struct {
	hub     *MemoryHub
	roomID  string
	handler Handler
	id      uint64

	mu    sync.Mutex
	queue []*Envelope
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.hub.unsubscribe(s.roomID, s.id)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) enqueue(env *Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ctx, env)
		}
	}
}

// historyLimit is how many published envelopes a MemoryHub keeps for
// Published and Count.
const historyLimit = 1024

// MemoryHub is an in-process relay shared by several Endpoints.
// Suitable for tests and for two participants in the same process.
type MemoryHub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	history     []Envelope
	keep        int
	drop        func(*Envelope) bool
	logger      *slog.Logger
}

// NewMemoryHub creates a new in-memory relay hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		keep:        historyLimit,
		logger:      slog.Default().With("component", "signaling", "backend", "memory"),
	}
}

// Endpoint returns a new participant-side connection to the hub.
func (h *MemoryHub) Endpoint() *Endpoint {
	return &Endpoint{
		hub:   h,
		links: make(chan LinkEvent, 8),
		subs:  make(map[uint64]*memorySubscription),
	}
}

// SetDrop installs a filter; envelopes for which it returns true are
// recorded but never delivered. Pass nil to deliver everything.
func (h *MemoryHub) SetDrop(fn func(*Envelope) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

// Published returns a copy of the most recent published envelopes, in order.
func (h *MemoryHub) Published() []Envelope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Envelope, len(h.history))
	copy(out, h.history)
	return out
}

// Count returns how many of the retained envelopes were of kind in roomID.
func (h *MemoryHub) Count(roomID string, kind Kind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.history {
		if e.RoomID == roomID && e.Type == kind {
			n++
		}
	}
	return n
}

func (h *MemoryHub) publish(env *Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.history = append(h.history, *env)
	if len(h.history) > h.keep {
		n := copy(h.history, h.history[len(h.history)-h.keep:])
		h.history = h.history[:n]
	}
	if h.drop != nil && h.drop(env) {
		h.mu.Unlock()
		h.logger.Debug("dropping envelope", "room_id", env.RoomID, "type", env.Type)
		return nil
	}

	subs := h.subscribers[env.RoomID]
	targets := make([]*memorySubscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		cp := *env
		sub.enqueue(&cp)
	}
	return nil
}

func (h *MemoryHub) subscribe(roomID string, handler Handler) (*memorySubscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	sub := &memorySubscription{
		hub:     h,
		roomID:  roomID,
		handler: handler,
		id:      h.nextID,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if h.subscribers[roomID] == nil {
		h.subscribers[roomID] = make(map[uint64]*memorySubscription)
	}
	h.subscribers[roomID][sub.id] = sub
	go sub.run()
	return sub, nil
}

func (h *MemoryHub) unsubscribe(roomID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subscribers[roomID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.subscribers, roomID)
		}
	}
}

// SubscriberCount returns the number of subscribers for a room (useful for testing)
func (h *MemoryHub) SubscriberCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[roomID])
}

// Close shuts down the hub and every subscription on it
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	subs := h.subscribers
	h.closed = true
	h.subscribers = make(map[string]map[uint64]*memorySubscription)
	h.mu.Unlock()

	for _, room := range subs {
		for _, sub := range room {
			sub.stop()
		}
	}
	return nil
}

// Endpoint is one participant's Relay view of a MemoryHub.
type Endpoint struct {
	hub   *MemoryHub
	links chan LinkEvent

	mu     sync.Mutex
	down   bool
	closed bool
	subs   map[uint64]*memorySubscription
}

// Publish sends env through the hub. While the endpoint is down the message
// is lost, as it would be on a dropped socket.
func (e *Endpoint) Publish(ctx context.Context, env *Envelope) error {
	e.mu.Lock()
	closed, down := e.closed, e.down
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if down {
		return ErrLinkDown
	}
	return e.hub.publish(env)
}

// Subscribe registers a handler for roomID.
func (e *Endpoint) Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.mu.Unlock()

	sub, err := e.hub.subscribe(roomID, handler)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.subs[sub.id] = sub
	e.mu.Unlock()
	return sub, nil
}

// Links returns the injected link events.
func (e *Endpoint) Links() <-chan LinkEvent {
	return e.links
}

// InjectLink simulates a transport state change on this endpoint.
// LinkDown makes Publish fail until LinkUp.
func (e *Endpoint) InjectLink(ev LinkEvent) {
	e.mu.Lock()
	e.down = ev.State != LinkUp
	e.mu.Unlock()
	e.links <- ev
}

// Close unsubscribes everything this endpoint registered.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[uint64]*memorySubscription)
	e.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}
