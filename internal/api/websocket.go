package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/logging"
	"github.com/symgrid/iot-cloud-apps/internal/protocol"
)

// Session send errors.
var (
	ErrClientClosed = errors.New("api: session closed")
	ErrSlowClient   = errors.New("api: session send buffer full")
)

// Hub tracks connected sessions.
type Hub struct {
	logger  *logging.Logger
	subs    Subscriptions
	clients map[*Session]struct{}
	mu      sync.RWMutex
}

// NewHub creates a new session hub.
func NewHub(logger *logging.Logger, subs Subscriptions) *Hub {
	return &Hub{
		logger:  logger,
		subs:    subs,
		clients: make(map[*Session]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every session.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "session", s.id, "clients", h.ClientCount())
}

// Unregister removes a session and drops all its device subscriptions.
// It is safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	_, existed := h.clients[s]
	delete(h.clients, s)
	h.mu.Unlock()

	// closeAll may have removed the session already while a request on it
	// was still subscribing, so the cleanup runs either way.
	h.subs.UnsubscribeAll(s)
	s.closeSend()
	if existed {
		h.logger.Debug("websocket client disconnected", "session", s.id, "clients", h.ClientCount())
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all sessions so their pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Session, 0, len(h.clients))
	for s := range h.clients {
		clients = append(clients, s)
		delete(h.clients, s)
	}
	h.mu.Unlock()

	for _, s := range clients {
		h.subs.UnsubscribeAll(s)
		s.closeSend()
		s.conn.Close()
	}
}

// Session is one websocket client speaking the socket protocol.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *logging.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// auth is only touched by the read pump.
	auth string
}

// ID identifies the session in subscription bookkeeping.
func (s *Session) ID() string { return s.id }

// Send queues env for delivery without blocking. A session that cannot
// keep up is disconnected.
func (s *Session) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClientClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		s.logger.Warn("websocket send buffer full, disconnecting", "session", s.id)
		s.conn.Close()
		return ErrSlowClient
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// handleWebSocket upgrades the connection and starts the session pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	sess := &Session{
		id:     id,
		server: s,
		conn:   conn,
		logger: s.logger.With("session", id),
		send:   make(chan []byte, s.wsCfg.SendBuffer),
	}

	s.hub.Register(sess)
	//nolint:errcheck // buffer is empty on a fresh session
	sess.Send(protocol.Welcome())

	go sess.writePump(s.wsCfg)
	go sess.readPump(s.wsCfg)
}

// checkOrigin allows every origin unless an allow list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.wsCfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.wsCfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// readPump reads requests and handles them in order.
func (s *Session) readPump(cfg config.WebSocketConfig) {
	ctx, cancel := context.WithCancel(s.server.baseCtx)
	defer func() {
		cancel()
		s.server.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			} else {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		s.handleFrame(ctx, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *Session) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
