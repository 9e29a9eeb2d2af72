package tunnel

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketagent/relay/internal/protocol"
)

const (
	// Maximum time to wait for a single envelope write.
	writeWait = 10 * time.Second

	// Maximum envelope size. Bodies are agent HTTP payloads, which stay
	// well under this in practice.
	maxEnvelopeSize = 512 * 1024

	// How long a graceful close waits for the peer's close frame.
	closeAckWait = 2 * time.Second
)

// Conn wraps a websocket connection with serialized writes. gorilla
// permits one concurrent writer, so every envelope goes through the
// write mutex.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxEnvelopeSize)
	return &Conn{ws: ws}
}

// WriteEnvelope encodes and sends one envelope.
func (c *Conn) WriteEnvelope(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadEnvelope blocks until the next well-formed envelope arrives.
// Malformed frames are logged and dropped; only transport errors are
// returned.
func (c *Conn) ReadEnvelope() (protocol.Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.Envelope{}, err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("tunnel: dropping malformed envelope: %v", err)
			continue
		}
		return env, nil
	}
}

// SetReadDeadline bounds subsequent reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// WriteClose sends a close frame. It never reads the socket; whoever owns
// the read loop observes the peer's acknowledgment. gorilla permits only
// one concurrent reader, so the close-ack drain belongs to the reader.
func (c *Conn) WriteClose() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close tears the socket down immediately.
func (c *Conn) Close() error {
	return c.ws.Close()
}
