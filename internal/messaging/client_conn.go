package messaging

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/BYU-PCCL/footron-api/internal/auth"
	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

// clientConn is a visitor phone session. Its id is a router-assigned uuid;
// the auth code it presented at admission decides whether it survives
// rotation. boundApp is set only by an accepted access message from the
// target app's socket.
type clientConn struct {
	conn
	authCode auth.Code

	mu       sync.Mutex
	boundApp string
}

func newClientConn(id string, sock *websocket.Conn, code auth.Code, logger *slog.Logger) *clientConn {
	c := &clientConn{authCode: code}
	c.init(id, sock, logger.With(slog.String("client", id)))
	return c
}

func (c *clientConn) bound() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundApp
}

func (c *clientConn) bind(appID string) {
	c.mu.Lock()
	c.boundApp = appID
	c.mu.Unlock()
}

// deliver routes an app-originated message onto the client's socket,
// applying the client-direction rules: an accepted access binds the client
// to its app, a denial is sent and then ends the connection, and everything
// else is suppressed until the client is bound. The client field is
// stripped; the client knows its own identity.
func (c *clientConn) deliver(m protocol.Message) {
	if access, ok := m.(*protocol.AccessMessage); ok {
		access.Client = ""
		if access.Accepted {
			// Bind before the frame is on the wire so a message the app
			// sends immediately after acceptance is never suppressed.
			c.bind(access.App)
			c.enqueue(access)
		} else {
			c.enqueueClose(access)
		}
		return
	}

	if c.bound() == "" {
		// Apps are supposed to send access first.
		c.logger.Debug("dropping frame for unbound client",
			slog.String("type", string(m.MessageType())))
		return
	}
	if im, ok := m.(protocol.Identifiable); ok {
		im.SetClientID("")
	}
	c.enqueue(m)
}
