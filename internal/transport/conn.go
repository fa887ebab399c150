package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modelgate-io/modelgate/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a message to the agent.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled agent from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the gateway waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the gateway pings the agent. Must be less
	// than pongWait so the agent has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Chat requests with long message
	// histories never flow agent→gateway, but streamed chunks can carry
	// sizeable logprob payloads, so the limit is generous.
	maxMessageSize = 1 << 20

	// sendBufferSize is the capacity of the per-agent outbound frame
	// channel. A full buffer marks the agent as stalled and drops it.
	sendBufferSize = 256
)

// Conn is a single live agent session. Each session runs two goroutines:
// readPump (decodes inbound frames, detects disconnection) and writePump
// (serialises outbound frames onto the wire, sends pings).
//
// The send channel is the handoff point between Transport.Send and the
// writePump; writePump is the only goroutine that writes to the socket, as
// gorilla/websocket connections are not safe for concurrent writes.
type Conn struct {
	agentID string
	ws      *websocket.Conn
	send    chan protocol.Frame
	logger  *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(agentID string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		agentID: agentID,
		ws:      ws,
		send:    make(chan protocol.Frame, sendBufferSize),
		logger:  logger.With(zap.String("agent_id", agentID)),
		closed:  make(chan struct{}),
	}
}

// enqueue places a frame on the outbound buffer. Returns false when the
// buffer is full or the session is closing — it never blocks the caller.
func (c *Conn) enqueue(frame protocol.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown tears the session down without a close frame. The read pump
// observes the closed socket and unwinds normally.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// closeNormal sends a normal close frame before tearing the session down.
// Used during graceful gateway shutdown.
func (c *Conn) closeNormal() {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown")
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		_ = c.ws.Close()
	})
}

// readPump reads frames from the agent until the connection dies. Well-formed
// frames are handed to the handler in wire order; malformed payloads are
// logged and dropped without closing the connection, so one bad frame cannot
// take down an agent with in-flight requests.
//
// Returns nil on a clean close, otherwise the read error.
func (c *Conn) readPump(handler Handler) error {
	defer c.shutdown()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				return nil
			}
			select {
			case <-c.closed:
				// Torn down locally — not an agent failure.
				return nil
			default:
			}
			return err
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		handler.HandleFrame(c.agentID, frame)
	}
}

// writePump forwards frames from the send channel to the wire and keeps the
// connection alive with periodic pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Warn("frame write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			return
		}
	}
}
