package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 * 1024
)

// client is one WebSocket connection.
type client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter
	sendCh  chan any
	done    chan struct{}
	mu      sync.Mutex
}

func (s *Server) newClient(id string, conn *websocket.Conn) *client {
	return &client{
		id:      id,
		conn:    conn,
		server:  s,
		limiter: rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst),
		sendCh:  make(chan any, s.opts.SendBuffer),
		done:    make(chan struct{}),
	}
}

// Send queues msg for the write pump. A slow client loses messages rather
// than stalling delivery to the others.
func (c *client) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		log.Warn().Str("client_id", c.id).Msg("Client send buffer full, dropping message")
	}
}

// Close closes the connection once.
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump forwards client messages to the controller until the connection
// closes.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.server.handleMessage(c, message)
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
