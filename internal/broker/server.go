package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"transcriptd/internal/types"
)

// ServerOptions configures the WebSocket endpoint.
type ServerOptions struct {
	Listen              string
	ClientBuffer        int           // per-connection outbound buffer
	HeartbeatInterval   time.Duration // server ping cadence
	MaxMissedHeartbeats int
	PushTimeout         time.Duration // per-message write deadline
	ClientMessageRate   int           // client messages allowed per second
	Authorizer          Authorizer
	Logger              *slog.Logger
}

// Server owns the HTTP listener and the per-connection pumps.
type Server struct {
	opts        ServerOptions
	registry    *Registry
	broadcaster *Broadcaster
	logger      *slog.Logger

	httpServer *http.Server
	boundAddr  string
	upgrader   websocket.Upgrader
}

// client is one live connection. The write pump is the only goroutine that
// touches the connection for writes; everything reaches it through send.
type client struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	grant Grant

	done      chan struct{}
	closeOnce sync.Once
}

// closeWithCode sends a close frame and tears the connection down.
func (c *client) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	c.conn.Close()
}

// NewServer returns an unstarted Server.
func NewServer(opts ServerOptions, registry *Registry, broadcaster *Broadcaster) *Server {
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 256
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxMissedHeartbeats <= 0 {
		opts.MaxMissedHeartbeats = 3
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if opts.ClientMessageRate <= 0 {
		opts.ClientMessageRate = 64
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		opts:        opts,
		registry:    registry,
		broadcaster: broadcaster,
		logger:      logger.With("component", "ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The external auth boundary decides who connects; origin
			// checking belongs to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start begins serving on the configured address. An unbindable address is
// a fatal startup error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{Handler: mux}
	s.boundAddr = listener.Addr().String()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ws server failed", "error", err)
		}
	}()
	s.logger.Info("websocket server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.opts.Listen
}

// Stop closes all client connections with the shutdown code and stops the
// listener.
func (s *Server) Stop(ctx context.Context) {
	s.broadcaster.CloseAll()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// CONNECTION HANDLING
// =============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	grant, err := s.opts.Authorizer.Authorize(r)
	if err != nil {
		// Upgrade first so the documented close code reaches the client.
		conn, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		message := websocket.FormatCloseMessage(CloseAuthFailure, "authorization failed")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, s.opts.ClientBuffer),
		grant: grant,
		done:  make(chan struct{}),
	}
	s.broadcaster.add(c)

	s.sendMessage(c, ServerMessage{
		Type:       ServerConnectionEstablished,
		ClientID:   c.id,
		ServerTime: time.Now().UnixMilli(),
	})

	go s.writePump(c)
	go s.readPump(c)
}

// readPump consumes client messages and enforces the liveness policies: a
// connection that produces neither data nor pong frames for the full
// missed-heartbeat budget is terminated, and one flooding the control
// plane past the per-second budget is closed with the rate-limit code.
func (s *Server) readPump(c *client) {
	defer s.broadcaster.expire(c, "read loop exit")

	readWindow := s.opts.HeartbeatInterval * time.Duration(s.opts.MaxMissedHeartbeats)
	c.conn.SetReadDeadline(time.Now().Add(readWindow))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	windowStart := time.Now()
	windowCount := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWindow))

		if now := time.Now(); now.Sub(windowStart) >= time.Second {
			windowStart = now
			windowCount = 0
		}
		windowCount++
		if windowCount > s.opts.ClientMessageRate {
			s.logger.Warn("client over message rate limit", "client", c.id)
			c.closeWithCode(CloseRateLimited, "message rate limit exceeded")
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendMessage(c, ServerMessage{
				Type:    ServerError,
				Code:    "bad_message",
				Message: "unparseable client message",
			})
			continue
		}
		s.handleClientMessage(c, msg)
	}
}

func (s *Server) handleClientMessage(c *client, msg ClientMessage) {
	switch msg.Type {
	case ClientSubscribe:
		var filter types.Filter
		if msg.Filter != nil {
			filter = *msg.Filter
		}
		if err := s.registry.Subscribe(c.id, filter, c.grant); err != nil {
			s.sendMessage(c, ServerMessage{
				Type:    ServerError,
				Code:    "forbidden_filter",
				Message: err.Error(),
			})
			return
		}
		s.sendMessage(c, ServerMessage{
			Type:   ServerSubscriptionConfirmed,
			Filter: &filter,
		})

	case ClientUnsubscribe:
		s.registry.Unsubscribe(c.id)
		s.sendMessage(c, ServerMessage{
			Type:   ServerSubscriptionConfirmed,
			Filter: &types.Filter{},
		})

	case ClientPing:
		s.sendMessage(c, ServerMessage{
			Type:      ServerPong,
			Timestamp: msg.Timestamp,
		})

	default:
		s.sendMessage(c, ServerMessage{
			Type:    ServerError,
			Code:    "unknown_type",
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		})
	}
}

// writePump is the single writer for a connection. It drains the send
// buffer and emits heartbeat pings.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.PushTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.broadcaster.expire(c, "write failed")
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.opts.PushTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.broadcaster.expire(c, "heartbeat failed")
				return
			}
		}
	}
}

// sendMessage queues a control-plane message on the client's buffer. Slow
// consumers are subject to the same drop policy as event delivery.
func (s *Server) sendMessage(c *client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		s.broadcaster.dropped.Add(1)
		c.closeWithCode(CloseSlowConsumer, "outbound buffer full")
		s.broadcaster.remove(c)
	}
}
