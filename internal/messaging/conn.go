// Package messaging implements the websocket broker: a registry of
// application and client connections, lock-aware admission against the auth
// manager, message fan-out with endpoint rewriting, heartbeat liveness, and
// rotation-driven eviction.
package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

const (
	// sendQueueSize bounds each connection's outbound queue. A full queue
	// means the peer has stopped draining; the connection is closed rather
	// than stalling every producer behind one slow socket.
	sendQueueSize = 64

	writeWait = 10 * time.Second

	maxFrameBytes = 64 * 1024
)

// outgoing is one queued frame. closeAfter requests an orderly close once
// the frame has been written, used for rejection and eviction notices.
type outgoing struct {
	msg        protocol.Message
	closeAfter bool
}

// conn is the transport state shared by both peer classes: one socket, one
// bounded send queue, one write pump, and a monotone closed flag.
type conn struct {
	id     string
	sock   *websocket.Conn
	logger *slog.Logger

	send      chan outgoing
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// init prepares an embedded conn in place.
func (c *conn) init(id string, sock *websocket.Conn, logger *slog.Logger) {
	sock.SetReadLimit(maxFrameBytes)
	c.id = id
	c.sock = sock
	c.logger = logger
	c.send = make(chan outgoing, sendQueueSize)
	c.done = make(chan struct{})
}

// enqueue puts m on the send queue. Reports false when the connection is
// closed or when the queue is full, in which case the slow connection is
// closed.
func (c *conn) enqueue(m protocol.Message) bool {
	return c.push(outgoing{msg: m})
}

// enqueueClose sends m and then closes the connection once it is on the
// wire.
func (c *conn) enqueueClose(m protocol.Message) bool {
	return c.push(outgoing{msg: m, closeAfter: true})
}

func (c *conn) push(o outgoing) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- o:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send queue full, closing slow connection", slog.String("conn", c.id))
		c.close()
		return false
	}
}

// close shuts the socket and stops the write pump. Idempotent; a second
// call is a no-op.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.sock.Close()
	})
}

// writePump drains the send queue onto the socket until the connection
// closes. Write failures close the connection, which in turn unblocks the
// read side.
func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case o := <-c.send:
			data, err := protocol.Serialize(o.msg)
			if err != nil {
				c.logger.Error("frame serialization failed",
					slog.String("conn", c.id),
					slog.String("type", string(o.msg.MessageType())),
					slog.String("error", err.Error()))
				continue
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
			if o.closeAfter {
				c.close()
				return
			}
		}
	}
}
