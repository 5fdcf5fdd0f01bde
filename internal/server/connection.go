package server

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"

	"github.com/lox/baucua/internal/protocol"
	"github.com/lox/baucua/internal/store"
)

// Connection is one client's push subscription to a room
type Connection struct {
	conn      *websocket.Conn
	send      chan *protocol.Message
	roomID    string
	userID    string
	clock     quartz.Clock
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, roomID, userID string, clock quartz.Clock, logger *log.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:   conn,
		send:   make(chan *protocol.Message, sendBuffer),
		roomID: roomID,
		userID: userID,
		clock:  clock,
		logger: logger.WithPrefix("conn").With("room", roomID, "user", userID),
		ctx:    ctx,
		cancel: cancel,
	}
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024

	sendBuffer = 256
)

// Start confirms the subscription and begins pumping events to the client.
// unsubscribe is called once the connection closes.
func (c *Connection) Start(events <-chan store.Event, unsubscribe func()) {
	if msg, err := protocol.NewMessage(protocol.TypeSubscribed, protocol.SubscribedData{RoomID: c.roomID}, c.clock.Now()); err == nil {
		c.enqueue(msg)
	}
	go c.writePump()
	go c.readPump()
	go c.forward(events, unsubscribe)
}

// Done is closed when the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// enqueue queues msg for the write pump. A client that cannot keep up is
// disconnected; it resubscribes and its next poll fills the gap.
func (c *Connection) enqueue(msg *protocol.Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close()
		return false
	}
}

func (c *Connection) forward(events <-chan store.Event, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = c.Close()
				return
			}
			msg, err := protocol.NewMessage(protocol.TypeEvent, ev, c.clock.Now())
			if err != nil {
				c.logger.Error("Failed to encode event", "kind", ev.Kind, "error", err)
				continue
			}
			if !c.enqueue(msg) {
				return
			}
		}
	}
}

// readPump consumes control frames; clients send no data messages
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }() // Ignore close errors during cleanup

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close() // Ignore close errors during cleanup
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Debug("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
