// Package ws streams session snapshots over WebSocket connections.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/hub"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
)

// CloseSessionNotFound is the close code sent when the requested session is
// unknown to both tiers.
const CloseSessionNotFound = 4404

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	service  *service.Service
	upgrader websocket.Upgrader

	pingInterval time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, svc *service.Service) *Server {
	return &Server{
		cfg:     cfg,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pingInterval: orDefault(cfg.PingInterval, 30*time.Second),
		writeTimeout: orDefault(cfg.WriteTimeout, 10*time.Second),
		readTimeout:  orDefault(cfg.ReadTimeout, 60*time.Second),
	}
}

type streamFunc func(ctx context.Context, emit hub.EmitFunc) error

// connection is one subscribed client. closeMsg is set before send is
// closed and read by the writer afterwards.
type connection struct {
	conn     *websocket.Conn
	send     chan []byte
	closeMsg []byte
	cancel   context.CancelFunc
}

// HandleSession streams one session until it reaches a terminal state.
// GET /v1/sessions/:session_id/ws
func (s *Server) HandleSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	return s.serve(c, func(ctx context.Context, emit hub.EmitFunc) error {
		return s.service.Subscribe(ctx, sessionID, emit)
	})
}

// HandleAll streams every session update until the client disconnects.
// GET /v1/ws
func (s *Server) HandleAll(c echo.Context) error {
	return s.serve(c, s.service.SubscribeAll)
}

func (s *Server) serve(c echo.Context, stream streamFunc) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	buf := s.cfg.SubscriberBuffer
	if buf <= 0 {
		buf = hub.DefaultBufferSize
	}
	conn := &connection{
		conn:   ws,
		send:   make(chan []byte, buf),
		cancel: cancel,
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	go s.writePump(conn)
	go s.readPump(conn)
	go s.runStream(ctx, conn, stream)

	return nil
}

// runStream feeds the bridge output into the connection's send queue.
func (s *Server) runStream(ctx context.Context, conn *connection, stream streamFunc) {
	err := stream(ctx, func(data []byte) error {
		select {
		case conn.send <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	switch {
	case err == nil:
		conn.closeMsg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	case errors.Is(err, hub.ErrSessionNotFound):
		conn.closeMsg = websocket.FormatCloseMessage(CloseSessionNotFound, "session not found")
	case errors.Is(err, hub.ErrSubscriberDropped):
		conn.closeMsg = websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber dropped")
	case errors.Is(err, context.Canceled):
		conn.closeMsg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	default:
		log.Printf("WARN: websocket stream ended: %v", err)
		conn.closeMsg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "stream failed")
	}
	close(conn.send)
}

// readPump discards client frames and cancels the stream on disconnect.
func (s *Server) readPump(conn *connection) {
	defer conn.cancel()

	conn.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump writes snapshots and pings to the WebSocket connection.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		conn.cancel()
		conn.conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			conn.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				conn.conn.WriteMessage(websocket.CloseMessage, conn.closeMsg)
				return
			}

			if err := conn.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
