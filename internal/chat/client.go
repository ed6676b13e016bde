package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"roomchat/internal/protection"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 10 * time.Second
	sendBuffer = 256

	// Larger than the room's payload limit so oversize messages get a
	// MESSAGE_TOO_LARGE reply instead of a dropped socket.
	maxReadBytes = 64 * 1024
)

// Client adapts a gorilla connection to Conn. Send never blocks: a full
// buffer means the reader is too slow and the room drops it.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger

	closeCode   int
	closeReason string
}

func NewClient(conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (c *Client) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close asks the write pump to send a close frame. Only the first call
// decides the code.
func (c *Client) Close(code int, reason string) error {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
	return nil
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.closed:
			c.flushPending()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushPending writes what was queued before Close so a replaced or
// evicted client still sees the events sent to it.
func (c *Client) flushPending() {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ReadPump feeds frames into room until the socket fails or the session
// ends. Each frame is one JSON payload.
func (c *Client) ReadPump(room *Room, sess *Session) {
	defer func() {
		if err := room.Disconnect(context.Background(), sess); err != nil && !errors.Is(err, ErrRoomClosed) {
			c.logger.Warn().Err(err).Msg("disconnect failed")
		}
		c.Close(CloseNormal, "")
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close")
			}
			return
		}

		err = room.Receive(context.Background(), sess, message)
		switch {
		case err == nil, protection.IsRejection(err):
		case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrRoomClosed):
			return
		default:
			c.logger.Warn().Err(err).Msg("receive failed")
		}
	}
}
