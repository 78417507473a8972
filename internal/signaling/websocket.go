package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/observer/teacall/internal/retry"
)

const (
	// Time allowed to write a message to the relay
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the relay
	pongWait = 60 * time.Second

	// Send pings to the relay with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from the relay (SDP can be large)
	maxMessageSize = 65536

	// Outbound queue depth
	sendBuffer = 256
)

// WSConfig configures a WebSocket relay connection.
type WSConfig struct {
	URL    string
	Token  string
	Policy retry.Policy
	Dialer *websocket.Dialer
}

type wsSubscription struct {
	relay   *WSRelay
	id      uint64
	roomID  string
	handler Handler
}

func (s *wsSubscription) Unsubscribe() error {
	s.relay.removeSub(s.roomID, s.id)
	return nil
}

// WSRelay is a Relay over a persistent WebSocket to the signaling service.
// The relay forwards every message for rooms this connection has joined.
// When the socket drops it reconnects with backoff, replays outstanding
// joins and reports LinkDown/LinkUp; when the budget runs out it reports
// LinkLost and stops.
type WSRelay struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *slog.Logger
	links  chan LinkEvent

	mu     sync.RWMutex
	conn   *websocket.Conn
	send   chan []byte
	up     bool
	closed bool
	subs   map[string]map[uint64]*wsSubscription
	joins  map[string][]byte
	nextID uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialWS connects to the relay. The first dial is not retried: a relay that
// is unreachable at startup is a configuration problem.
func DialWS(ctx context.Context, cfg WSConfig, logger *slog.Logger) (*WSRelay, error) {
	if cfg.URL == "" {
		return nil, errors.New("signaling: relay URL is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &WSRelay{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With("component", "signaling", "backend", "websocket"),
		links:  make(chan LinkEvent, 8),
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]map[uint64]*wsSubscription),
		joins:  make(map[string][]byte),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	conn, err := r.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	r.setConn(conn)
	go r.run(conn)

	r.logger.Info("connected to signaling relay", "url", cfg.URL)
	return r, nil
}

func (r *WSRelay) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if r.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	conn, resp, err := r.dialer.DialContext(ctx, r.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (r *WSRelay) setConn(conn *websocket.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.up = conn != nil
	r.mu.Unlock()
}

// run owns the connection lifecycle until Close or LinkLost.
func (r *WSRelay) run(conn *websocket.Conn) {
	defer close(r.done)

	for {
		err := r.serve(conn)
		r.setConn(nil)

		if r.ctx.Err() != nil {
			return
		}

		r.logger.Warn("relay connection dropped", "error", err)
		r.emit(LinkEvent{State: LinkDown, Err: err})

		conn = r.reconnect()
		if conn == nil {
			return
		}
	}
}

// reconnect retries the dial within the policy budget. It returns nil when
// the relay is closed or the budget is exhausted.
func (r *WSRelay) reconnect() *websocket.Conn {
	var lastErr error
	for attempt := 1; !r.cfg.Policy.Exhausted(attempt); attempt++ {
		select {
		case <-r.ctx.Done():
			return nil
		case <-time.After(r.cfg.Policy.Delay(attempt - 1)):
		}

		dialCtx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
		conn, err := r.dial(dialCtx)
		cancel()
		if err != nil {
			lastErr = err
			r.logger.Warn("relay reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		r.setConn(conn)
		r.replayJoins()
		r.logger.Info("relay reconnected", "attempt", attempt)
		r.emit(LinkEvent{State: LinkUp})
		return conn
	}

	r.logger.Error("relay reconnect budget exhausted", "error", lastErr)
	r.emit(LinkEvent{State: LinkLost, Err: lastErr})
	return nil
}

// replayJoins re-announces every joined room so the relay routes to the new socket.
func (r *WSRelay) replayJoins() {
	r.mu.RLock()
	frames := make([][]byte, 0, len(r.joins))
	for _, f := range r.joins {
		frames = append(frames, f)
	}
	r.mu.RUnlock()

	for _, f := range frames {
		select {
		case r.send <- f:
		default:
			r.logger.Warn("send buffer full, join replay dropped")
		}
	}
}

// serve runs the pumps for one connection and returns when it dies.
func (r *WSRelay) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- r.readPump(conn)
	}()

	err := r.writePump(conn, readErr)
	_ = conn.Close()
	return err
}

// readPump pumps messages from the WebSocket connection to room handlers
func (r *WSRelay) readPump(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket read error", "error", err)
			}
			return err
		}

		env, err := Decode(data)
		if err != nil {
			r.logger.Warn("dropping invalid relay message", "error", err)
			continue
		}
		r.dispatch(env)
	}
}

// writePump pumps queued frames to the connection and keeps it alive with pings
func (r *WSRelay) writePump(conn *websocket.Conn, readErr <-chan error) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return r.ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-r.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (r *WSRelay) dispatch(env *Envelope) {
	r.mu.RLock()
	subs := r.subs[env.RoomID]
	handlers := make([]Handler, 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.handler)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(r.ctx, env)
	}
}

// Publish queues env for the relay. It fails fast while the link is down;
// callers treat signaling as fire-and-forget.
func (r *WSRelay) Publish(ctx context.Context, env *Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if env.Type == KindLeave {
		delete(r.joins, env.RoomID)
	}
	up := r.up
	r.mu.Unlock()

	if !up {
		return ErrLinkDown
	}

	select {
	case r.send <- frame:
	case <-ctx.Done():
		return ctx.Err()
	default:
		r.logger.Warn("relay send buffer full, dropping message", "type", env.Type, "room_id", env.RoomID)
		return fmt.Errorf("signaling: send buffer full")
	}

	// only a join that reached the queue is replayed after a reconnect
	if env.Type == KindJoin {
		r.mu.Lock()
		r.joins[env.RoomID] = frame
		r.mu.Unlock()
	}
	return nil
}

// Subscribe registers a handler for envelopes in roomID.
func (r *WSRelay) Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	r.nextID++
	sub := &wsSubscription{relay: r, id: r.nextID, roomID: roomID, handler: handler}
	if r.subs[roomID] == nil {
		r.subs[roomID] = make(map[uint64]*wsSubscription)
	}
	r.subs[roomID][sub.id] = sub
	return sub, nil
}

func (r *WSRelay) removeSub(roomID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.subs[roomID]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.subs, roomID)
		}
	}
}

func (r *WSRelay) emit(ev LinkEvent) {
	select {
	case r.links <- ev:
	default:
		r.logger.Warn("link event dropped", "state", ev.State.String())
	}
}

// Links reports socket drops, reconnects and final loss.
func (r *WSRelay) Links() <-chan LinkEvent {
	return r.links
}

// Close sends a close frame and stops reconnecting.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	<-r.done
	return nil
}
