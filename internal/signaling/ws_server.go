package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avatarmeet/meetsignal/internal/config"
	"github.com/avatarmeet/meetsignal/internal/metrics"
	"github.com/avatarmeet/meetsignal/internal/origin"
	"github.com/avatarmeet/meetsignal/internal/ratelimit"
)

const wsWriteWait = 10 * time.Second

// Handler consumes transport lifecycle events and inbound frames. The
// connect/dispatch/disconnect calls for one connection are ordered; calls
// for different connections may interleave.
type Handler interface {
	HandleConnect(connID string)
	Dispatch(connID string, env Envelope)
	HandleDisconnect(connID string)
}

// WSServer implements GET /ws, the JSON-over-WebSocket signaling endpoint.
// It assigns each accepted socket an opaque connection ID and pumps frames
// between the socket and the Handler. Outbound delivery satisfies Sender.
type WSServer struct {
	cfg   config.Config
	log   *slog.Logger
	m     *metrics.Metrics
	clock ratelimit.Clock

	handler  Handler
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

func NewWSServer(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WSServer{
		cfg:   cfg,
		log:   logger,
		m:     m,
		clock: ratelimit.RealClock{},
		conns: make(map[string]*wsConn),
	}
	s.upgrader = websocket.Upgrader{}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

// SetHandler must be called before the server accepts traffic. It exists
// because the dispatcher and the transport reference each other.
func (s *WSServer) SetHandler(h Handler) { s.handler = h }

func (s *WSServer) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}

	normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalizedOrigin, originHost, r.Host, s.cfg.AllowedOrigins)
}

// ConnCount reports the number of live connections.
func (s *WSServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, s.cfg.SendQueueLength),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.handler.HandleConnect(c.id)

	go s.writePump(c)
	s.readPump(c, r.RemoteAddr)
}

// Send satisfies Sender. Frames to unknown connections are dropped, as are
// frames to a connection whose send queue is full.
func (s *WSServer) Send(connID, event string, payload any) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	frame, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: event, Data: payload})
	if err != nil {
		s.log.Error("marshal outbound frame", "event", event, "connId", connID, "err", err)
		return
	}

	select {
	case c.send <- frame:
	default:
		s.m.Inc(metrics.DroppedSlowClient)
		s.log.Warn("send queue full, dropping frame", "event", event, "connId", connID)
	}
}

// Close tears down every live connection. New upgrades are refused once
// called.
func (s *WSServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		c.ws.Close()
	}
}

func (s *WSServer) readPump(c *wsConn, remoteAddr string) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		close(c.done)
		c.ws.Close()
		s.handler.HandleDisconnect(c.id)
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	bucket := ratelimit.NewTokenBucket(s.clock,
		int64(s.cfg.MaxMessagesPerSecond), int64(s.cfg.MaxMessagesPerSecond))

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error", "connId", c.id, "remoteAddr", remoteAddr, "err", err)
			}
			return
		}
		// Any inbound traffic proves liveness, not just pongs.
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if msgType != websocket.TextMessage {
			s.sendErrorFrame(c, "Expected text message")
			continue
		}

		if !bucket.Allow(1) {
			s.m.Inc(metrics.DroppedRateLimit)
			s.log.Debug("rate limit exceeded, dropping message", "connId", c.id)
			continue
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			s.m.Inc(metrics.ClientErrors)
			s.sendErrorFrame(c, "Invalid message")
			continue
		}

		s.handler.Dispatch(c.id, env)
	}
}

// sendErrorFrame bypasses the connection registry: it is only called from
// the connection's own read pump, which holds the live conn.
func (s *WSServer) sendErrorFrame(c *wsConn, message string) {
	frame, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{Event: EventError, Data: errorOut{Message: message}})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		s.m.Inc(metrics.DroppedSlowClient)
	}
}

func (s *WSServer) writePump(c *wsConn) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}
