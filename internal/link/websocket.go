package link

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/muurk/castlink/internal/logging"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// DefaultHandshakeTimeout bounds the WebSocket opening handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds the wait for a correlated reply
	DefaultRequestTimeout = 15 * time.Second

	sendBufferSize = 64
)

type wsState int

const (
	wsIdle wsState = iota
	wsDialing
	wsOpen
	wsClosed
)

// Option configures a WebSocketLink
type Option func(*WebSocketLink)

// WithHandshakeTimeout overrides the opening handshake timeout
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *WebSocketLink) {
		l.dialer.HandshakeTimeout = d
	}
}

// WithRequestTimeout overrides how long Send waits for a reply
func WithRequestTimeout(d time.Duration) Option {
	return func(l *WebSocketLink) {
		l.requestTimeout = d
	}
}

// WebSocketBuilder returns a Builder producing WebSocket links
func WebSocketBuilder(opts ...Option) Builder {
	return func(endpoint string, h Handler) Link {
		return NewWebSocketLink(endpoint, h, opts...)
	}
}

// WebSocketLink is a Link over a gorilla/websocket connection.
// A WebSocketLink is single-use: once closed it cannot be reopened.
type WebSocketLink struct {
	endpoint       string
	handler        Handler
	dialer         websocket.Dialer
	requestTimeout time.Duration
	log            *zap.Logger

	mu       sync.Mutex
	state    wsState
	closing  bool
	conn     *websocket.Conn
	sendCh   chan []byte
	closeCh  chan struct{}
	done     chan struct{}
	requests map[string]chan *Message
}

// NewWebSocketLink creates an unopened link to endpoint
func NewWebSocketLink(endpoint string, h Handler, opts ...Option) *WebSocketLink {
	l := &WebSocketLink{
		endpoint:       endpoint,
		handler:        h,
		dialer:         websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		requestTimeout: DefaultRequestTimeout,
		log:            logging.Named("link").With(zap.String("endpoint", endpoint)),
		requests:       make(map[string]chan *Message),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// URL returns the endpoint URL
func (l *WebSocketLink) URL() string {
	return l.endpoint
}

// Open validates the endpoint and starts dialing in the background
func (l *WebSocketLink) Open() error {
	if err := validateEndpoint(l.endpoint); err != nil {
		return err
	}

	l.mu.Lock()
	if l.state != wsIdle {
		l.mu.Unlock()
		return ErrAlreadyOpened
	}
	l.state = wsDialing
	l.closeCh = make(chan struct{})
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.dial()
	return nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid link endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid link endpoint %q: scheme must be ws or wss", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid link endpoint %q: missing host", endpoint)
	}
	return nil
}

func (l *WebSocketLink) dial() {
	l.mu.Lock()
	closeCh := l.closeCh
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := l.dialer.DialContext(ctx, l.endpoint, nil)
	cancel()

	l.mu.Lock()
	if err != nil || l.closing {
		l.state = wsClosed
		closing := l.closing
		close(l.done)
		l.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if closing {
			l.log.Debug("Link closed while dialing")
			l.handler.LinkDisconnected(l, nil)
			return
		}
		l.log.Info("Link dial failed", zap.Error(err))
		l.handler.LinkDisconnected(l, err)
		return
	}

	l.conn = conn
	l.state = wsOpen
	l.sendCh = make(chan []byte, sendBufferSize)
	l.mu.Unlock()

	logging.LogConnection(l.endpoint, "connected")
	l.handler.LinkConnected(l)

	go l.readPump(conn)
	go l.writePump(conn)
}

// Close shuts the link down
func (l *WebSocketLink) Close() {
	l.mu.Lock()
	if l.state == wsIdle {
		l.state = wsClosed
		l.mu.Unlock()
		return
	}
	if l.closing || l.state == wsClosed {
		l.mu.Unlock()
		return
	}
	l.closing = true
	close(l.closeCh)
	conn := l.conn
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Send delivers payload and waits for the correlated reply
func (l *WebSocketLink) Send(ctx context.Context, domain Domain, payload json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()
	if l.state != wsOpen || l.closing {
		l.mu.Unlock()
		return nil, ErrNotOpen
	}

	id := uuid.New().String()
	respCh := make(chan *Message, 1)
	l.requests[id] = respCh
	sendCh, done := l.sendCh, l.done
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.requests, id)
		l.mu.Unlock()
	}()

	data, err := json.Marshal(Message{ID: id, Domain: domain, Type: TypeRequest, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case sendCh <- data:
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	logging.LogLinkMessage(l.endpoint, "out", string(domain), data)

	timer := time.NewTimer(l.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("no reply from %s within %s", l.endpoint, l.requestTimeout)
	}
}

// readPump handles incoming messages from the device
func (l *WebSocketLink) readPump(conn *websocket.Conn) {
	var readErr error
	defer func() { l.handleDisconnect(readErr) }()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		if messageType != websocket.TextMessage {
			l.log.Debug("Ignoring non-text message", zap.Int("type", messageType))
			continue
		}
		l.handleTextMessage(data)
	}
}

func (l *WebSocketLink) handleTextMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		l.log.Warn("Invalid message", zap.Error(err))
		return
	}
	logging.LogLinkMessage(l.endpoint, "in", string(msg.Domain), data)

	if msg.ID != "" {
		l.mu.Lock()
		respCh, pending := l.requests[msg.ID]
		l.mu.Unlock()

		if pending {
			select {
			case respCh <- &msg:
			default:
				l.log.Warn("Duplicate reply", zap.String("id", msg.ID))
			}
			return
		}
		if msg.Type == TypeReply {
			l.log.Debug("Reply without pending request", zap.String("id", msg.ID))
			return
		}
	}

	l.handler.LinkEvent(l, msg.Domain, msg.Payload)
}

// writePump serializes writes and keeps the connection alive with pings
func (l *WebSocketLink) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	l.mu.Lock()
	sendCh, closeCh, done := l.sendCh, l.closeCh, l.done
	l.mu.Unlock()

	for {
		select {
		case message := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				l.log.Warn("Write failed", zap.Error(err))
				_ = conn.Close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}

		case <-closeCh:
			return
		case <-done:
			return
		}
	}
}

// handleDisconnect handles connection loss
func (l *WebSocketLink) handleDisconnect(err error) {
	l.mu.Lock()
	if l.state == wsClosed {
		l.mu.Unlock()
		return
	}
	l.state = wsClosed
	l.conn = nil
	close(l.done)

	// Cancel all pending requests
	for id, ch := range l.requests {
		close(ch)
		delete(l.requests, id)
	}
	closing := l.closing
	l.mu.Unlock()

	if closing {
		err = nil
	}
	logging.LogConnection(l.endpoint, "disconnected")
	if err != nil {
		l.log.Info("Link lost", zap.Error(err))
	}
	l.handler.LinkDisconnected(l, err)
}
