package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/observer/teacall/internal/retry"
	"github.com/redis/go-redis/v9"
)

// RedisRelay implements Relay over Redis pub/sub. Each room maps to the
// channel "call:<roomId>", so participants connected to different relay
// instances still see each other's messages.
type RedisRelay struct {
	client        *redis.Client
	mu            sync.RWMutex
	subscriptions map[uint64]*redisSubscription
	nextID        atomic.Uint64
	closed        bool
	links         chan LinkEvent
	policy        retry.Policy
	stop          chan struct{}
	logger        *slog.Logger
}

// redisSubscription manages a single subscription to a Redis channel
type redisSubscription struct {
	relay   *RedisRelay
	id      uint64
	roomID  string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.relay.removeSub(s.id)
	return nil
}

// RoomChannel returns the Redis channel name for a room.
func RoomChannel(roomID string) string {
	return "call:" + roomID
}

// NewRedisRelay connects to Redis and starts the link monitor.
// url should be in the format: redis://host:port or redis://:password@host:port
func NewRedisRelay(ctx context.Context, url string, policy retry.Policy, logger *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger = logger.With("component", "signaling", "backend", "redis")
	logger.Info("connected to Redis", "addr", opts.Addr)

	r := &RedisRelay{
		client:        client,
		subscriptions: make(map[uint64]*redisSubscription),
		links:         make(chan LinkEvent, 8),
		policy:        policy,
		stop:          make(chan struct{}),
		logger:        logger,
	}
	go r.monitor()
	return r, nil
}

// Publish sends env to all subscribers of its room across all instances.
func (r *RedisRelay) Publish(ctx context.Context, env *Envelope) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	data, err := Encode(env)
	if err != nil {
		return err
	}

	result := r.client.Publish(ctx, RoomChannel(env.RoomID), data)
	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}

	if result.Val() == 0 {
		r.logger.Debug("no subscribers for room", "room_id", env.RoomID, "type", env.Type)
	}
	return nil
}

// Subscribe registers a handler for envelopes in roomID.
func (r *RedisRelay) Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	ps := r.client.Subscribe(ctx, RoomChannel(roomID))

	// Wait for subscription to be ready
	if _, err := ps.Receive(ctx); err != nil {
		r.mu.Unlock()
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	id := r.nextID.Add(1)
	sub := &redisSubscription{
		relay:   r,
		id:      id,
		roomID:  roomID,
		pubsub:  ps,
		cancel:  cancel,
		handler: handler,
	}

	r.subscriptions[id] = sub
	r.mu.Unlock()

	go r.receive(subCtx, sub)

	r.logger.Debug("subscribed to room", "room_id", roomID, "sub_id", id)
	return sub, nil
}

// receive dispatches messages in the order Redis delivers them. The handler
// runs inline so one subscription never sees two messages concurrently.
func (r *RedisRelay) receive(ctx context.Context, sub *redisSubscription) {
	ch := sub.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Error("failed to unmarshal envelope", "error", err, "room_id", sub.roomID)
				continue
			}
			if err := env.Validate(); err != nil {
				r.logger.Warn("dropping invalid envelope", "error", err, "room_id", sub.roomID)
				continue
			}
			sub.handler(ctx, &env)
		}
	}
}

// pingInterval is how often a healthy Redis connection is checked.
const pingInterval = 5 * time.Second

// linkMonitor turns ping results into link events. The first failed ping
// reports LinkDown; re-pings are then spaced by the retry policy and the
// last failed one reports LinkLost.
type linkMonitor struct {
	policy  retry.Policy
	healthy time.Duration

	down    bool
	lost    bool
	retries int
}

// observe records one ping result. It returns the event to report, if any,
// and the wait before the next ping.
func (m *linkMonitor) observe(err error) (*LinkEvent, time.Duration) {
	switch {
	case err == nil:
		restored := m.down && !m.lost
		m.down, m.lost, m.retries = false, false, 0
		if restored {
			return &LinkEvent{State: LinkUp}, m.healthy
		}
		return nil, m.healthy
	case !m.down:
		m.down = true
		return &LinkEvent{State: LinkDown, Err: err}, m.policy.Delay(0)
	case m.lost:
		return nil, m.healthy
	}

	m.retries++
	if m.policy.Exhausted(m.retries + 1) {
		m.lost = true
		return &LinkEvent{State: LinkLost, Err: err}, m.healthy
	}
	return nil, m.policy.Delay(m.retries)
}

// monitor pings Redis and turns outages into link events.
func (r *RedisRelay) monitor() {
	m := &linkMonitor{policy: r.policy, healthy: pingInterval}
	timer := time.NewTimer(pingInterval)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := r.client.Ping(ctx).Err()
		cancel()

		ev, wait := m.observe(err)
		if ev != nil {
			r.emit(*ev)
		}
		timer.Reset(wait)
	}
}

func (r *RedisRelay) emit(ev LinkEvent) {
	r.logger.Warn("redis link state changed", "state", ev.State.String(), "error", ev.Err)
	select {
	case r.links <- ev:
	default:
	}
}

// Links reports Redis outages.
func (r *RedisRelay) Links() <-chan LinkEvent {
	return r.links
}

func (r *RedisRelay) removeSub(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, id)
}

// Close shuts down the relay and all subscriptions
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	close(r.stop)

	for _, sub := range r.subscriptions {
		sub.cancel()
		if sub.pubsub != nil {
			sub.pubsub.Close()
		}
	}
	r.subscriptions = make(map[uint64]*redisSubscription)

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}

	r.logger.Info("Redis relay closed")
	return nil
}
