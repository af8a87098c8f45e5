package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/foremanhq/foreman/internal/common/logger"
	"github.com/foremanhq/foreman/internal/events"
	"github.com/foremanhq/foreman/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	clientBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is same-host tooling; cross-origin dashboards are allowed.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamClient is one websocket consumer with a bounded send queue.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Stream fans task events out to websocket clients. It holds one bus
// subscription for its whole lifetime; clients that cannot keep up are
// dropped rather than allowed to stall delivery.
type Stream struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[*streamClient]bool
	sub     bus.Subscription
}

// NewStream creates the fan-out hub and subscribes it to the bus.
func NewStream(b bus.Bus, log *logger.Logger) (*Stream, error) {
	s := &Stream{
		logger:  log.WithFields(zap.String("component", "event-stream")),
		clients: make(map[*streamClient]bool),
	}
	sub, err := b.Subscribe(s.broadcast)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

// Close unsubscribes from the bus and disconnects all clients.
func (s *Stream) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		close(client.send)
		delete(s.clients, client)
	}
}

// Handle upgrades the request and serves the event feed
// GET /api/v1/events/ws
func (s *Stream) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()

	go s.writePump(client)
	go s.readPump(client)
}

func (s *Stream) broadcast(_ context.Context, event events.TaskEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Slow consumer; disconnect instead of blocking the bus.
			close(client.send)
			delete(s.clients, client)
		}
	}
}

func (s *Stream) drop(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[client] {
		close(client.send)
		delete(s.clients, client)
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// process control messages and detect disconnects.
func (s *Stream) readPump(client *streamClient) {
	defer func() {
		s.drop(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (s *Stream) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
