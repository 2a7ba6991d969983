package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.

	// Frames carry base64 images, so the limit sits above the image cap.
	maxFrameSize = 8 << 20
)

// Client is a middleman between the websocket connection and a view session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, log *zap.Logger) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		log:  log,
		send: make(chan []byte, 256),
	}
}

// Publish encodes u for the write pump. A client that cannot keep up
// loses frames; the next snapshot replaces whatever it missed.
func (c *Client) Publish(u *Update) {
	b, err := json.Marshal(u)
	if err != nil {
		c.log.Error("encode update", zap.String("type", u.Type), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		c.log.Warn("client send buffer full, dropping update", zap.String("type", u.Type))
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps frames from the websocket connection into the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.log.Debug("malformed frame", zap.Error(err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info("websocket closed", zap.Error(err))
			}
			return
		}
		c.handle(&f)
	}
}

func (c *Client) handle(f *Frame) {
	switch f.Type {
	case "open":
		c.session.Open(ParseTarget(f.ConversationID))
	case "send":
		var img *Image
		if f.Image != nil && len(f.Image.Data) > 0 {
			img = &Image{Name: f.Image.Name, Data: f.Image.Data}
		}
		c.session.Send(f.Text, img)
	case "ping":
		c.hub.touch(c.session.Viewer().ID, true)
	default:
		c.log.Debug("unknown frame", zap.String("type", f.Type))
	}
}

// writePump pumps updates from the session to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
