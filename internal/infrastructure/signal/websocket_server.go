package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/pkg/config"
	"streamgate/pkg/tracing"
	"streamgate/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ActionCreate     = "create"
	ActionCreated    = "created"
	ActionDisconnect = "disconnect"
	ActionError      = "error"
)

const (
	writeTimeout    = 10 * time.Second
	sendQueueSize   = 16
	detachTimeout   = 5 * time.Second
	defaultMsgLimit = 64 << 10
)

// Message is the single envelope used in both directions on the signaling
// channel.
type Message struct {
	Action       string                     `json:"action"`
	StreamKey    domain.StreamKey           `json:"streamKey,omitempty"`
	SubscriberID domain.SubscriberID        `json:"subscriberId,omitempty"`
	Offer        *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer       *webrtc.SessionDescription `json:"answer,omitempty"`
	Reason       string                     `json:"reason,omitempty"`
	Message      string                     `json:"message,omitempty"`
}

type WebSocketServer struct {
	controller ports.SessionController
	cfg        *config.Config
	upgrader   websocket.Upgrader
	limiter    *middleware.ConnectionLimiter

	pingInterval   time.Duration
	pongTimeout    time.Duration
	maxMessageSize int64

	conns map[*connection]struct{}
	mu    sync.RWMutex

	logger *zap.SugaredLogger
}

func NewWebSocketServer(controller ports.SessionController, cfg *config.Config, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		controller:     controller,
		cfg:            cfg,
		limiter:        middleware.NewConnectionLimiter(cfg),
		pingInterval:   cfg.Signal.PingInterval,
		pongTimeout:    cfg.Signal.PongTimeout,
		maxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		conns:          make(map[*connection]struct{}),
		logger:         logger,
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 15 * time.Second
	}
	if s.pongTimeout <= s.pingInterval {
		s.pongTimeout = 3 * s.pingInterval
	}
	if s.maxMessageSize <= 0 {
		s.maxMessageSize = defaultMsgLimit
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.Signal.AllowedOrigins),
	}
	return s
}

// Handler returns the mux served on the signaling address.
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthCheck)
	return mux
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := middleware.ClientIP(r)
	release, ok := s.limiter.Acquire(ip)
	if !ok {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer release()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "remote", ip, "error", err)
		return
	}

	c := newConnection(s, ws, ip, middleware.NewMessageLimiter(s.cfg))
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("signaling client connected", "remote", ip)

	go c.writeLoop()
	c.readLoop()

	c.close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.detachAll()

	s.logger.Infow("signaling client disconnected", "remote", ip)
}

// ConnectionCount reports the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// Shutdown closes every open connection. Their subscriptions are detached
// by the connection handlers as they unwind.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

type connection struct {
	server  *WebSocketServer
	ws      *websocket.Conn
	remote  string
	limiter *rate.Limiter

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[domain.StreamKey]domain.SubscriberID
}

func newConnection(s *WebSocketServer, ws *websocket.Conn, remote string, limiter *rate.Limiter) *connection {
	return &connection{
		server:  s,
		ws:      ws,
		remote:  remote,
		limiter: limiter,
		send:    make(chan Message, sendQueueSize),
		done:    make(chan struct{}),
		subs:    make(map[domain.StreamKey]domain.SubscriberID),
	}
}

func (c *connection) readLoop() {
	c.ws.SetReadLimit(c.server.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.server.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.server.pongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Infow("signaling read failed", "remote", c.remote, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.server.pongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			c.enqueue(Message{Action: ActionError, Message: "rate limit exceeded"})
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(Message{Action: ActionError, Message: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

// writeLoop is the only writer on the socket.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("signaling write failed", "remote", c.remote, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) enqueue(msg Message) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *connection) closeWith(code int, text string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.close()
}

func (c *connection) handle(msg Message) {
	ctx, span := tracing.TraceWebSocketMessage(context.Background(), msg.Action, string(msg.SubscriberID))
	defer span.End()

	var err error
	switch msg.Action {
	case ActionCreate:
		err = c.handleCreate(ctx, msg)
	case ActionDisconnect:
		err = c.handleDisconnect(ctx, msg)
	default:
		err = fmt.Errorf("unknown action %q", msg.Action)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.server.logger.Debugw("signaling request failed",
			"remote", c.remote,
			"action", msg.Action,
			"stream_key", msg.StreamKey,
			"error", err,
		)
		c.enqueue(Message{Action: ActionError, StreamKey: msg.StreamKey, Message: err.Error()})
	}
}

func (c *connection) handleCreate(ctx context.Context, msg Message) error {
	if err := validation.ValidateStreamKey(string(msg.StreamKey)); err != nil {
		return domain.ErrStreamNotFound
	}
	if msg.Offer == nil || msg.Offer.SDP == "" {
		return errors.New("offer is required")
	}

	c.mu.Lock()
	_, exists := c.subs[msg.StreamKey]
	c.mu.Unlock()
	if exists {
		return errors.New("already subscribed to stream")
	}

	attachment, err := c.server.controller.Subscribe(ctx, msg.StreamKey, *msg.Offer)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[msg.StreamKey] = attachment.SubscriberID
	c.mu.Unlock()

	answer := attachment.Answer
	c.enqueue(Message{
		Action:       ActionCreated,
		StreamKey:    msg.StreamKey,
		SubscriberID: attachment.SubscriberID,
		Answer:       &answer,
	})

	go c.watch(msg.StreamKey, attachment)

	c.server.logger.Infow("relay subscriber attached",
		"remote", c.remote,
		"stream_key", msg.StreamKey,
		"subscriber_id", attachment.SubscriberID,
	)
	return nil
}

func (c *connection) handleDisconnect(ctx context.Context, msg Message) error {
	sub, ok := c.take(msg.StreamKey)
	if !ok {
		return domain.ErrSubscriberNotFound
	}
	if err := c.server.controller.Unsubscribe(ctx, msg.StreamKey, sub); err != nil && !errors.Is(err, domain.ErrSubscriberNotFound) {
		return err
	}
	return nil
}

// watch tells the client when the session behind a subscription ends or the
// relay drops the peer, and forgets the subscription so it can be recreated.
func (c *connection) watch(key domain.StreamKey, attachment *ports.RelayAttachment) {
	var reason string
	select {
	case <-c.done:
		return
	case kind := <-attachment.Dropped:
		reason = string(kind)
		if reason == "" {
			reason = string(domain.ErrorKindSubscriberTimeout)
		}
	case <-attachment.Done:
	}

	sub := attachment.SubscriberID
	c.mu.Lock()
	current, ok := c.subs[key]
	if ok && current == sub {
		delete(c.subs, key)
	}
	c.mu.Unlock()
	if !ok || current != sub {
		return
	}

	if reason == "" {
		reason = string(domain.StopReasonExited)
		if st, err := c.server.controller.GetStatus(context.Background(), key); err == nil && st.StopReason != "" {
			reason = string(st.StopReason)
		}
	}
	c.enqueue(Message{Action: ActionDisconnect, StreamKey: key, SubscriberID: sub, Reason: reason})
}

func (c *connection) take(key domain.StreamKey) (domain.SubscriberID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	return sub, ok
}

func (c *connection) detachAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[domain.StreamKey]domain.SubscriberID)
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	for key, sub := range subs {
		if err := c.server.controller.Unsubscribe(ctx, key, sub); err != nil && !errors.Is(err, domain.ErrSubscriberNotFound) {
			c.server.logger.Warnw("failed to detach subscriber",
				"stream_key", key,
				"subscriber_id", sub,
				"error", err,
			)
		}
	}
}
