package websocket

import (
	"crypto/subtle"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxFrameSize  = 16 * 1024
	writeDeadline = 10 * time.Second
	sendBuffer    = 32
)

// Client is one WebSocket connection. Commands are dispatched from the
// read pump; all writes go through the send channel and the write pump.
type Client struct {
	ID   uuid.UUID
	conn *websocket.Conn
	send chan *OutboundFrame
	hub  *Hub
	ip   string

	limiter       *rate.Limiter
	authenticated atomic.Bool
	lastSeen      atomic.Int64
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, hub *Hub, ip string) *Client {
	c := &Client{
		ID:   uuid.New(),
		conn: conn,
		send: make(chan *OutboundFrame, sendBuffer),
		hub:  hub,
		ip:   ip,
		limiter: rate.NewLimiter(
			rate.Limit(float64(hub.cfg.CommandsPerMinute)/60.0),
			hub.cfg.CommandsPerMinute/10+1,
		),
	}
	c.touch()
	return c
}

// Authenticated reports whether the connection has presented the token.
func (c *Client) Authenticated() bool {
	return c.authenticated.Load()
}

// IdleFor is the time since the last inbound frame or pong.
func (c *Client) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// enqueue queues an outbound frame, dropping it if the client is slow.
func (c *Client) enqueue(frame *OutboundFrame) {
	defer func() {
		// The hub may close send concurrently with a late response.
		recover()
	}()
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn("dropping frame for slow client",
			zap.String("client_id", c.ID.String()),
			zap.String("frame_type", string(frame.Type)),
		)
	}
}

// ReadPump pumps frames from the connection into command dispatch. It
// owns the connection's read side and tears the client down on exit.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	readLimit := 2 * c.hub.cfg.PingInterval
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(readLimit))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(readLimit))
		return nil
	})

	// The token must arrive promptly or the connection is dropped.
	authTimer := time.AfterFunc(c.hub.cfg.AuthTimeout, func() {
		if !c.Authenticated() {
			c.hub.logger.Info("authentication timeout",
				zap.String("client_id", c.ID.String()))
			c.conn.Close()
		}
	})
	defer authTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("read error",
					zap.String("client_id", c.ID.String()),
					zap.Error(err))
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(readLimit))

		var frame InboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.enqueue(ResponseFrame("", nil, errMalformedFrame))
			continue
		}
		c.handleFrame(&frame)
	}
}

// handleFrame validates auth and rate limits, then dispatches.
func (c *Client) handleFrame(frame *InboundFrame) {
	switch frame.Type {
	case FrameAuthenticate:
		ok := subtle.ConstantTimeCompare([]byte(frame.Token), []byte(c.hub.token)) == 1
		if ok {
			c.authenticated.Store(true)
		}
		c.enqueue(AuthenticatedFrame(frame.RequestID, ok))
		return
	case FramePing:
		c.enqueue(PongFrame(frame.RequestID))
		return
	}

	if !c.Authenticated() {
		c.enqueue(ResponseFrame(frame.RequestID, nil, errNotAuthenticated))
		return
	}
	if !c.limiter.Allow() {
		c.enqueue(RateLimitedFrame(frame.RequestID))
		return
	}

	// Commands may block on the coordinator; keep the read loop free.
	go c.hub.dispatch(c, frame)
}

// WritePump pumps frames from the send channel onto the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
