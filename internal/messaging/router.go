package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/BYU-PCCL/footron-api/internal/auth"
	"github.com/BYU-PCCL/footron-api/internal/metrics"
	"github.com/BYU-PCCL/footron-api/internal/protocol"
)

// heartbeatInterval is how often liveness frames go out to every peer.
const heartbeatInterval = 500 * time.Millisecond

const (
	reasonBadCode    = "auth code invalid"
	reasonEvicted    = "expired or invalid auth code"
	reasonNotAllowed = "message type not allowed from clients"
	reasonUnbound    = "no connection to an app"
)

const (
	directionAppToClient = "app_to_client"
	directionClientToApp = "client_to_app"
)

// ExperiencePatcher is the slice of the controller API the router drives when
// apps report display settings and interactions.
type ExperiencePatcher interface {
	PatchCurrentExperience(ctx context.Context, fields map[string]any) error
}

// Router owns the websocket registries and moves frames between applications
// and clients. Admission is checked against the auth manager; a rotation
// listener evicts clients whose code has expired.
type Router struct {
	auth       *auth.Manager
	controller ExperiencePatcher
	logger     *slog.Logger
	metrics    *metrics.Registry
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	apps    map[string]*appConn
	clients map[string]*clientConn

	listenerHandle int
	stop           chan struct{}
	wg             sync.WaitGroup
}

// NewRouter creates a router. Background work does not begin until Start.
func NewRouter(a *auth.Manager, controller ExperiencePatcher, logger *slog.Logger, m *metrics.Registry) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		auth:       a,
		controller: controller,
		logger:     logger.With(slog.String("component", "messaging")),
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients connect from the placard-advertised origin and apps
			// from localhost; the auth code is the real admission check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		apps:    make(map[string]*appConn),
		clients: make(map[string]*clientConn),
		stop:    make(chan struct{}),
	}
}

// Start registers the rotation eviction listener and launches the heartbeat
// loop. Stop with Close.
func (r *Router) Start() {
	r.listenerHandle = r.auth.AddListener(func(auth.Code) { r.evictStale() })
	r.wg.Add(1)
	go r.heartbeatLoop()
}

// Close stops the heartbeat loop, detaches from the auth manager, and closes
// every connection.
func (r *Router) Close() {
	r.auth.RemoveListener(r.listenerHandle)
	close(r.stop)
	r.wg.Wait()

	r.mu.Lock()
	for _, a := range r.apps {
		a.close()
	}
	for _, c := range r.clients {
		c.close()
	}
	r.mu.Unlock()
}

// HandleClient admits a client websocket presenting the given auth code. The
// socket is upgraded before the code is checked so a rejection reaches the
// client as an access frame rather than a bare handshake failure.
func (r *Router) HandleClient(w http.ResponseWriter, req *http.Request, code auth.Code) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("client upgrade failed", slog.String("error", err.Error()))
		return
	}

	// Admit checks both code slots against one snapshot; first use of the
	// advertised next code burns it so the placard moves on to a fresh code.
	if !r.auth.Admit(code) {
		c := newClientConn(uuid.NewString(), sock, code, r.logger)
		go c.writePump()
		c.enqueueClose(&protocol.AccessMessage{Accepted: false, Reason: reasonBadCode})
		return
	}

	c := newClientConn(uuid.NewString(), sock, code, r.logger)

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ConnectedClients.Inc()
	}
	r.logger.Info("client connected", slog.String("client", c.id))

	go c.writePump()
	r.readClient(c)
	r.removeClient(c)
}

// HandleApp admits an application websocket for the given app id. A second
// socket for the same id wins: the previous one is closed and replaced.
func (r *Router) HandleApp(w http.ResponseWriter, req *http.Request, appID string) {
	sock, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("app upgrade failed", slog.String("app", appID), slog.String("error", err.Error()))
		return
	}

	a := newAppConn(appID, sock, r.logger)

	r.mu.Lock()
	old := r.apps[appID]
	r.apps[appID] = a
	r.mu.Unlock()
	if old != nil {
		r.logger.Warn("replacing existing app connection", slog.String("app", appID))
		old.close()
	} else if r.metrics != nil {
		r.metrics.ConnectedApps.Inc()
	}
	r.logger.Info("app connected", slog.String("app", appID))

	go a.writePump()
	r.readApp(a)
	r.removeApp(a)
}

func (r *Router) readClient(c *clientConn) {
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			c.close()
			return
		}
		m, err := protocol.Deserialize(data)
		if err != nil {
			c.enqueue(&protocol.ErrorMessage{Error: err.Error()})
			continue
		}
		r.handleClientMessage(c, m)
	}
}

func (r *Router) readApp(a *appConn) {
	for {
		_, data, err := a.sock.ReadMessage()
		if err != nil {
			a.close()
			return
		}
		m, err := protocol.Deserialize(data)
		if err != nil {
			a.enqueue(&protocol.ErrorMessage{Error: err.Error()})
			continue
		}
		r.handleAppMessage(a, m)
	}
}

// handleClientMessage enforces the client-side whitelist and routes allowed
// frames to the client's app.
func (r *Router) handleClientMessage(c *clientConn, m protocol.Message) {
	r.countRouted(directionClientToApp, m)

	switch msg := m.(type) {
	case *protocol.ConnectMessage:
		r.handleConnect(c, msg)
		return
	case *protocol.LifecycleMessage, *protocol.ApplicationClientMessage:
		// Routed below.
	default:
		// Anything else from a client is a protocol violation and ends the
		// session.
		c.deliver(&protocol.AccessMessage{Accepted: false, Reason: reasonNotAllowed})
		return
	}

	appID := c.bound()
	if appID == "" {
		c.deliver(&protocol.AccessMessage{Accepted: false, Reason: reasonUnbound})
		return
	}
	a := r.app(appID)
	if a == nil || !a.hasClient(c.id) {
		// The app went away after binding; the client learns via a down
		// heartbeat and may reconnect.
		c.enqueue(&protocol.HeartbeatAppMessage{Up: false})
		return
	}
	if im, ok := m.(protocol.Identifiable); ok {
		im.SetClientID(c.id)
	}
	a.enqueue(m)
}

// handleConnect routes a client's connection request. While the lock is not
// closed the router accepts on the app's behalf so visitors are not stuck
// waiting on app code that never answers.
func (r *Router) handleConnect(c *clientConn, m *protocol.ConnectMessage) {
	a := r.app(m.App)
	if a == nil {
		c.enqueue(&protocol.HeartbeatAppMessage{Up: false})
		return
	}

	if !r.auth.Lock().IsClosed() {
		a.addClient(c)
		c.deliver(&protocol.AccessMessage{Accepted: true, App: a.id})
	}
	m.SetClientID(c.id)
	a.enqueue(m)
}

// handleAppMessage routes an app-originated frame: router-handled kinds are
// consumed here, client-addressed kinds are checked against the app's client
// set and forwarded.
func (r *Router) handleAppMessage(a *appConn, m protocol.Message) {
	r.countRouted(directionAppToClient, m)

	switch msg := m.(type) {
	case *protocol.AccessMessage:
		r.handleAccess(a, msg)
	case *protocol.DisplaySettingsMessage:
		r.handleDisplaySettings(a, msg)
	case *protocol.InteractionMessage:
		r.patchCurrent(map[string]any{"last_interaction": msg.At})
	case protocol.Identifiable:
		c := r.client(msg.ClientID())
		if c == nil || !a.hasClient(c.id) {
			a.negativeClientHeartbeat(msg.ClientID())
			return
		}
		if am, ok := msg.(*protocol.ApplicationAppMessage); ok {
			am.App = a.id
		}
		c.deliver(msg)
	default:
		r.logger.Warn("unroutable app frame",
			slog.String("app", a.id),
			slog.String("type", string(m.MessageType())))
	}
}

func (r *Router) handleAccess(a *appConn, m *protocol.AccessMessage) {
	c := r.client(m.Client)
	if c == nil {
		a.negativeClientHeartbeat(m.Client)
		return
	}
	if m.Accepted {
		a.addClient(c)
	} else {
		a.removeClient(c.id, true)
	}
	m.App = a.id
	c.deliver(m)
}

func (r *Router) handleDisplaySettings(a *appConn, m *protocol.DisplaySettingsMessage) {
	if m.Settings.Lock != nil {
		r.auth.SetLock(*m.Settings.Lock)
	}
	if m.Settings.EndTime != nil {
		r.patchCurrent(map[string]any{"end_time": *m.Settings.EndTime})
	}
}

func (r *Router) patchCurrent(fields map[string]any) {
	if r.controller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.controller.PatchCurrentExperience(ctx, fields); err != nil {
		r.logger.Warn("current experience update failed", slog.String("error", err.Error()))
	}
}

func (r *Router) app(id string) *appConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.apps[id]
}

func (r *Router) client(id string) *clientConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// removeClient deregisters c. Removal is identity-guarded so a stale handler
// never deletes a successor registered under the same id.
func (r *Router) removeClient(c *clientConn) {
	c.close()

	r.mu.Lock()
	registered := r.clients[c.id] == c
	if registered {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()
	if !registered {
		return
	}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Dec()
	}

	if appID := c.bound(); appID != "" {
		if a := r.app(appID); a != nil {
			a.removeClient(c.id, true)
		}
	}
	r.logger.Info("client disconnected", slog.String("client", c.id))
}

func (r *Router) removeApp(a *appConn) {
	a.close()

	r.mu.Lock()
	registered := r.apps[a.id] == a
	if registered {
		delete(r.apps, a.id)
	}
	r.mu.Unlock()
	if !registered {
		// Displaced by a newer socket for the same id.
		return
	}
	if r.metrics != nil {
		r.metrics.ConnectedApps.Dec()
	}
	r.logger.Info("app disconnected", slog.String("app", a.id))
}

// heartbeatLoop pushes liveness to every peer twice a second: apps get their
// authoritative client list, bound clients learn whether their app is still
// up.
func (r *Router) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		r.mu.RLock()
		apps := make([]*appConn, 0, len(r.apps))
		for _, a := range r.apps {
			apps = append(apps, a)
		}
		clients := make([]*clientConn, 0, len(r.clients))
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		r.mu.RUnlock()

		for _, a := range apps {
			a.enqueue(&protocol.HeartbeatClientMessage{Up: true, Clients: a.clientIDs()})
		}
		for _, c := range clients {
			appID := c.bound()
			if appID == "" {
				continue
			}
			a := r.app(appID)
			c.enqueue(&protocol.HeartbeatAppMessage{Up: a != nil && a.hasClient(c.id)})
		}
	}
}

// evictStale drops every client whose auth code no longer matches the current
// code. Eviction notices go out in parallel; the auth manager waits for the
// batch, so rotation is not reported complete while stale clients linger.
// While the lock is closed the revoked codes stay invalid but clients
// admitted before the close keep their sessions, so eviction is skipped.
func (r *Router) evictStale() {
	if r.auth.Lock().IsClosed() {
		return
	}

	r.mu.RLock()
	stale := make([]*clientConn, 0)
	for _, c := range r.clients {
		if !r.auth.Check(c.authCode) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range stale {
		wg.Add(1)
		go func(c *clientConn) {
			defer wg.Done()
			c.deliver(&protocol.AccessMessage{Accepted: false, Reason: reasonEvicted})
			if r.metrics != nil {
				r.metrics.ClientEvictions.Inc()
			}
			r.logger.Info("client evicted after rotation", slog.String("client", c.id))
		}(c)
	}
	wg.Wait()
}

func (r *Router) countRouted(direction string, m protocol.Message) {
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(direction, string(m.MessageType())).Inc()
	}
}
