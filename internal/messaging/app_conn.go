package messaging

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

// appConn is an application's socket. Its id is the experience id; clients
// holds the set of client connections the app currently owns, as decided by
// access messages and connect short-circuits.
type appConn struct {
	conn

	mu      sync.Mutex
	clients map[string]*clientConn
}

func newAppConn(id string, sock *websocket.Conn, logger *slog.Logger) *appConn {
	a := &appConn{clients: make(map[string]*clientConn)}
	a.init(id, sock, logger.With(slog.String("app", id)))
	return a
}

func (a *appConn) addClient(c *clientConn) {
	a.mu.Lock()
	a.clients[c.id] = c
	a.mu.Unlock()
}

// removeClient drops the client from the app's set and, when notify is set,
// tells the app with a per-client down heartbeat.
func (a *appConn) removeClient(clientID string, notify bool) {
	a.mu.Lock()
	delete(a.clients, clientID)
	a.mu.Unlock()
	if notify {
		a.negativeClientHeartbeat(clientID)
	}
}

func (a *appConn) hasClient(clientID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.clients[clientID]
	return ok
}

func (a *appConn) clientIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.clients))
	for id := range a.clients {
		ids = append(ids, id)
	}
	return ids
}

// negativeClientHeartbeat tells the app a client id it referenced (or used
// to own) is gone. Developer-error guidance, not a protocol fault.
func (a *appConn) negativeClientHeartbeat(clientID string) {
	a.enqueue(&protocol.HeartbeatClientMessage{Up: false, Clients: []string{clientID}})
}
