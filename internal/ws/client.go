package ws

import "github.com/gorilla/websocket"

// Client adapts a websocket connection into a log stream subscriber.
type Client struct {
	conn *websocket.Conn
}

// NewClient wraps an upgraded websocket connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

// Send writes one encoded log entry as a text message.
func (c *Client) Send(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// Listen blocks reading (and discarding) peer frames until the connection
// drops, so callers learn when to unregister the subscriber.
func (c *Client) Listen() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
